package cmd

import (
	"io"
	"os"

	"grimm.is/harborshield/internal/config"
)

// RunConfig prints the effective configuration, file values merged with
// defaults and command-line overrides, as HCL.
func RunConfig(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	return writeConfig(os.Stdout, cfg)
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	_, err := w.Write(config.Encode(cfg))
	return err
}
