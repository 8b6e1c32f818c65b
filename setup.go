package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/raine/fractal-trader-bot/config"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// API endpoints used to validate credentials entered in the setup wizard.
var (
	telegramAPIURL  = "https://api.telegram.org"
	geminiAPIURL    = "https://generativelanguage.googleapis.com"
	openaiAPIURL    = "https://api.openai.com"
	anthropicAPIURL = "https://api.anthropic.com"
)

// getConfigDir returns the application's config directory path.
// Creates the directory if it doesn't exist.
func getConfigDir() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	configDir := filepath.Join(configBase, config.AppName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// getConfigFilePath returns the full path to the config file.
func getConfigFilePath() (string, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, config.EnvFileName), nil
}

// checkRequiredConfig checks if all required environment variables are set,
// including the API key of the selected provider.
// Returns the names of any missing variables.
func checkRequiredConfig() []string {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("ANALYSIS_PROVIDER")))
	required := []string{"BOT_TOKEN", llm.CredentialEnv(provider), "ADMIN_TELEGRAM_ID"}

	var missing []string
	for _, v := range required {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return missing
}

// isInteractiveTerminal returns true if both stdin and stdout are TTYs.
// This is used to determine if we can run the interactive setup wizard.
func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// runSetupWizard runs an interactive wizard to collect required configuration.
// Returns true if setup was successful and the bot should continue starting.
func runSetupWizard() bool {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	fmt.Println()
	fmt.Println(titleStyle.Render("📈 Fractal Trader Bot - First-time Setup"))
	fmt.Println()

	var botToken, apiKey, adminID string
	provider := llm.ProviderGemini
	if p := strings.ToLower(os.Getenv("ANALYSIS_PROVIDER")); p != "" {
		provider = p
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram Bot Token").
				Description("Message @BotFather on Telegram → /newbot → copy token").
				Value(&botToken).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("token is required")
					}
					return validateTelegramToken(s)
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Analysis provider").
				Options(huh.NewOptions(llm.Providers...)...).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				TitleFunc(func() string {
					return fmt.Sprintf("%s API Key", providerLabel(provider))
				}, &provider).
				DescriptionFunc(func() string {
					return providerKeyHint(provider)
				}, &provider).
				Value(&apiKey).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("API key is required")
					}
					return validateProviderKey(provider, s)
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Your Telegram User ID").
				Description("Message @userinfobot to get your ID: https://t.me/userinfobot").
				Value(&adminID).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("user ID is required")
					}
					if _, err := strconv.ParseInt(s, 10, 64); err != nil {
						return errors.New("must be a number")
					}
					return nil
				}),
		),
	).WithTheme(huh.ThemeBase16())

	err := form.Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("\nSetup cancelled.")
			return false
		}
		fmt.Printf("\nError: %v\n", err)
		return false
	}

	values := map[string]string{
		"BOT_TOKEN":                 botToken,
		"ADMIN_TELEGRAM_ID":         adminID,
		"ANALYSIS_PROVIDER":         provider,
		llm.CredentialEnv(provider): apiKey,
	}

	configPath, err := writeEnvFile(values)
	if err != nil {
		fmt.Printf("\nError saving configuration: %v\n", err)
		waitOnWindows()
		return false
	}

	// Set values in current process
	for k, v := range values {
		os.Setenv(k, v)
	}

	successStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	pathStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	fmt.Println()
	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + configPath))
	fmt.Println()
	fmt.Println("Starting bot...")
	fmt.Println()

	return true
}

func providerLabel(provider string) string {
	switch provider {
	case llm.ProviderOpenAI:
		return "OpenAI"
	case llm.ProviderAnthropic:
		return "Anthropic"
	default:
		return "Gemini"
	}
}

func providerKeyHint(provider string) string {
	switch provider {
	case llm.ProviderOpenAI:
		return "Get yours at https://platform.openai.com/api-keys"
	case llm.ProviderAnthropic:
		return "Get yours at https://console.anthropic.com/settings/keys"
	default:
		return "Get yours at https://aistudio.google.com/apikey"
	}
}

func newValidationClient() *resty.Client {
	return resty.New().SetTimeout(10 * time.Second)
}

// validateTelegramToken validates a Telegram bot token by calling the getMe API.
func validateTelegramToken(token string) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description,omitempty"`
	}

	resp, err := newValidationClient().R().
		SetResult(&result).
		SetError(&result).
		Get(fmt.Sprintf("%s/bot%s/getMe", telegramAPIURL, token))
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.New("connection timed out - check your internet")
		}
		return errors.New("connection failed - check your internet")
	}

	if !result.OK {
		if result.Description != "" {
			return errors.New(result.Description)
		}
		return fmt.Errorf("token rejected by Telegram (HTTP %d)", resp.StatusCode())
	}

	return nil
}

// validateProviderKey validates an API key with the provider's lightweight
// models list endpoint.
func validateProviderKey(provider, key string) error {
	req := newValidationClient().R()
	var reqURL string

	switch provider {
	case llm.ProviderOpenAI:
		req.SetAuthToken(key)
		reqURL = openaiAPIURL + "/v1/models"
	case llm.ProviderAnthropic:
		req.SetHeader("x-api-key", key).SetHeader("anthropic-version", "2023-06-01")
		reqURL = anthropicAPIURL + "/v1/models"
	default:
		req.SetQueryParam("key", key)
		reqURL = geminiAPIURL + "/v1beta/models"
	}

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := req.SetError(&apiErr).Get(reqURL)
	if err != nil {
		return errors.New("connection failed - check your internet")
	}

	switch code := resp.StatusCode(); {
	case code == 400 || code == 401 || code == 403:
		if apiErr.Error.Message != "" {
			return errors.New(apiErr.Error.Message)
		}
		return fmt.Errorf("API key rejected (HTTP %d)", code)
	case code != 200:
		return fmt.Errorf("unexpected response (HTTP %d)", code)
	}

	return nil
}

// envFileOrder is the order keys are written in.
var envFileOrder = []string{
	"BOT_TOKEN",
	"ADMIN_TELEGRAM_ID",
	"ANALYSIS_PROVIDER",
	llm.GeminiAPIKeyEnv,
	llm.OpenAIAPIKeyEnv,
	llm.AnthropicAPIKeyEnv,
}

// writeEnvFile writes the configuration to the config file.
// Uses restrictive permissions (0600) since the file contains secrets.
// Returns the path where the config was written.
func writeEnvFile(values map[string]string) (string, error) {
	configPath, err := getConfigFilePath()
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Write in a consistent order, quoting values to handle special characters
	for _, key := range envFileOrder {
		if val, ok := values[key]; ok && val != "" {
			if _, err := fmt.Fprintf(f, "%s=%q\n", key, val); err != nil {
				return "", fmt.Errorf("failed to write %s: %w", key, err)
			}
		}
	}

	return configPath, nil
}

// waitOnWindows pauses execution on Windows so users can see error messages
// before the console window closes.
func waitOnWindows() {
	if runtime.GOOS == "windows" {
		fmt.Println()
		fmt.Println("Press Enter to exit...")
		fmt.Scanln()
	}
}

// fatalWithWait logs a fatal error and waits on Windows before exiting.
func fatalWithWait(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error().Msg(msg)
	waitOnWindows()
	os.Exit(1)
}
