package setup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"

	"node.town/scribe/config"
)

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

// RunSetup asks for the two API secrets and writes them to the settings
// file.
func RunSetup(path string, logger *log.Logger) error {
	logger.Info("Starting scribe setup...", "settings", path)

	var discordToken, witAIToken string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Enter your Discord Bot Token").
				EchoMode(huh.EchoModePassword).
				Validate(notEmpty).
				Value(&discordToken),
			huh.NewInput().
				Title("Enter your wit.ai Server Access Token").
				EchoMode(huh.EchoModePassword).
				Validate(notEmpty).
				Value(&witAIToken),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("error during setup: %w", err)
	}

	err := config.Save(
		path,
		strings.TrimSpace(discordToken),
		strings.TrimSpace(witAIToken),
	)
	if err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	logger.Info("Setup completed successfully!")
	return nil
}
