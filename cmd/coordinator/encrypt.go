package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"mosaic-ai/internal/infra/config"
)

// encryptSecret prints an "enc:" value for the config file. The plaintext is
// the first argument, or the first line of in when no argument is given.
func encryptSecret(out io.Writer, in io.Reader, args []string, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.PassphraseEnv)
	}

	var plain string
	if len(args) > 0 {
		plain = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read value: %w", err)
		}
		plain = strings.TrimRight(line, "\r\n")
	}
	if plain == "" {
		return errors.New("empty value")
	}

	enc, err := config.EncryptValue(plain, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, config.SecretPrefix+enc)
	return err
}
