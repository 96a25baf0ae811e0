package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/network"
)

// maxWizardAttempts bounds the retries after a failed validation.
const maxWizardAttempts = 3

// RunSetupWizard asks for the core bridge settings on in, writes prompts
// to out and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          TeeBridge - First Run Setup         ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for attempt := 1; ; attempt++ {
		bd := cfg.GetBridgeData()
		ad := cfg.GetApplicationData()

		fmt.Fprintln(out, "── Relay ──")
		bd.ListenAddress = promptString(reader, out, "Listen address (host:port)", bd.ListenAddress)
		bd.TargetAddress = promptString(reader, out,
			"Game server address (host:port, "+network.SchemeExtended+" for the extended handshake)", bd.TargetAddress)
		bd.MaxSessions = promptInt(reader, out, "Maximum sessions", bd.MaxSessions)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Admin API ──")
		ad.API.Enabled = promptBool(reader, out, "Enable admin API", ad.API.Enabled)
		if ad.API.Enabled {
			ad.API.Port = promptInt(reader, out, "Admin API port", ad.API.Port)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Telemetry ──")
		ad.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", ad.MQTT.Enabled)
		if ad.MQTT.Enabled {
			ad.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", ad.MQTT.BrokerURL)
			ad.MQTT.Port = promptInt(reader, out, "MQTT broker port", ad.MQTT.Port)
		}
		ad.Journal.Enabled = promptBool(reader, out, "Record sessions and chat to SQLite", ad.Journal.Enabled)

		cfg.SetBridgeData(bd)
		cfg.SetApplicationData(ad)

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= maxWizardAttempts {
			return fmt.Errorf("configuration validation failed")
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
		fmt.Fprintln(out)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved to", cfg.Path())
	fmt.Fprintln(out)

	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
