package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// OutputFile is where the wizard writes the generated config.
const OutputFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collects what the wizard asks for.
type Answers struct {
	Venue          string
	Testnet        bool
	InitialCapital string
	RiskPercent    string
	OvernightClose bool
	Cutoff         string
	Timezone       string
	StoreDriver    string
	PostgresDSN    string
	DataDir        string
}

func defaultAnswers() Answers {
	return Answers{
		Venue:          "paper",
		InitialCapital: "100000",
		RiskPercent:    "1",
		OvernightClose: true,
		Cutoff:         "03:00",
		Timezone:       "UTC",
		StoreDriver:    "sqlite",
		DataDir:        "./data",
	}
}

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LADDER CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes OutputFile.
func RunTUI() error {
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LADDER CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set up the trading session service.\n"))

	fmt.Println(stepStyle.Render("STEP 1: VENUE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should orders go?").
				Options(
					huh.NewOption("Paper (simulated fills)", "paper"),
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
				).
				Value(&a.Venue),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.Venue != "paper" {
		screen("STEP 1b: NETWORK")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Use the exchange testnet?").
					Description("API keys are read from the environment at startup").
					Value(&a.Testnet),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	screen("STEP 2: CAPITAL")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial capital").
				Description("Base for every node's target profit").
				Value(&a.InitialCapital).
				Validate(validatePositive),
			huh.NewInput().
				Title("Default risk %").
				Description("Used when a signal carries no risk percent (0 disables)").
				Value(&a.RiskPercent).
				Validate(validatePercent),
		),
	).Run()
	if err != nil {
		return err
	}

	screen("STEP 3: OVERNIGHT")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Force-close positions before the daily cutoff?").
				Value(&a.OvernightClose),
			huh.NewInput().
				Title("Cutoff").
				Description("Wall clock HH:MM").
				Value(&a.Cutoff).
				Validate(validateClock),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name, e.g. Europe/London").
				Value(&a.Timezone).
				Validate(validateTimezone),
		),
	).Run()
	if err != nil {
		return err
	}

	screen("STEP 4: STORAGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Session store").
				Options(
					huh.NewOption("SQLite file", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
				).
				Value(&a.StoreDriver),
			huh.NewInput().
				Title("Data directory").
				Value(&a.DataDir),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.StoreDriver == "postgres" {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("PostgreSQL DSN").
					Value(&a.PostgresDSN).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return errors.New("dsn cannot be empty")
						}
						return nil
					}),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Venue: %s\nCapital: %s\nRisk: %s%%\nCutoff: %s %s\nStore: %s\n",
		a.Venue, a.InitialCapital, a.RiskPercent, a.Cutoff, a.Timezone, a.StoreDriver,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return errors.New("setup cancelled by user")
	}

	if err := Write(OutputFile, a); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting ladder...", OutputFile)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

// Write renders a as a config file at path.
func Write(path string, a Answers) error {
	data, err := yaml.Marshal(render(a))
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}
	return nil
}

func render(a Answers) map[string]any {
	store := map[string]any{"driver": a.StoreDriver}
	if a.StoreDriver == "postgres" {
		store["postgres_dsn"] = a.PostgresDSN
	}

	return map[string]any{
		"app": map[string]any{
			"data_dir": a.DataDir,
		},
		"store": store,
		"venue": map[string]any{
			"kind":    a.Venue,
			"testnet": a.Testnet,
		},
		"sizing": map[string]any{
			"initial_capital": a.InitialCapital,
			"risk_percent":    a.RiskPercent,
			"overnight_close": a.OvernightClose,
		},
		"overnight": map[string]any{
			"enabled":  a.OvernightClose,
			"cutoff":   a.Cutoff,
			"timezone": a.Timezone,
		},
	}
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return errors.New("must be a valid number")
	}
	if !d.IsPositive() {
		return errors.New("must be positive")
	}
	return nil
}

func validatePercent(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return errors.New("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("must be between 0 and 100")
	}
	return nil
}

func validateClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return errors.New("must be HH:MM")
	}
	return nil
}

func validateTimezone(s string) error {
	if _, err := time.LoadLocation(s); err != nil {
		return errors.Errorf("unknown timezone %q", s)
	}
	return nil
}
