// Package wizard provides an interactive setup wizard for udpgate.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpgate/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds the values collected by the forms.
type Answers struct {
	ListenAddress  string
	Ports          string // comma or space separated
	BackendAddress string
	AdmissionDelay string // duration, e.g. 3s
	BanThreshold   string
	Multiplexer    string
	MetricsEnabled bool
	LogLevel       string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard. configPath is the suggested
// output path.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	if configPath == "" {
		configPath = "./udpgate.yaml"
	}
	a := defaultAnswers()

	// Step 1: Output path
	if err := w.askBasicSetup(&configPath); err != nil {
		return nil, err
	}

	// Step 2: Listen side and backend
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}

	// Step 3: Flood protection
	if err := w.askProtection(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func defaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ListenAddress:  suggestExternalIP(),
		Ports:          "7777",
		BackendAddress: def.Backend.Address,
		AdmissionDelay: def.Relay.AdmissionDelay.String(),
		BanThreshold:   strconv.Itoa(def.Relay.BanThreshold),
		Multiplexer:    def.Relay.Multiplexer,
		MetricsEnabled: false,
		LogLevel:       def.Log.Level,
	}
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                  _
  _  _ __| |_ __  __ _ __ _| |_ ___
 | || / _' | '_ \/ _' / _' |  _/ -_)
  \_,_\__,_| .__/\__, \__,_|\__\___|
           |_|   |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP flood-protection relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(configPath *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the relay configuration."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./udpgate.yaml").
				Value(configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("The relay binds the external IPv4 address, which takes\npriority over a game server bound to 0.0.0.0 on the same ports."),

			huh.NewInput().
				Title("External IPv4 Address").
				Description("Concrete address clients connect to (not 0.0.0.0)").
				Value(&a.ListenAddress).
				Validate(func(s string) error {
					_, err := config.ParseExternalIP(strings.TrimSpace(s))
					return err
				}),

			huh.NewInput().
				Title("Ports").
				Description("Game ports to protect, separated by commas").
				Placeholder("7777, 27015").
				Value(&a.Ports).
				Validate(func(s string) error {
					_, err := parsePorts(s)
					return err
				}),

			huh.NewInput().
				Title("Game Server Address").
				Description("Where the game server listens; the port is the same as the relay port").
				Placeholder("127.0.0.1").
				Value(&a.BackendAddress).
				Validate(validateBackend),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askProtection(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Flood Protection").
				Description("New clients are held back for the admission delay.\nIPs losing many sessions in one cleanup pass are banned."),

			huh.NewInput().
				Title("Admission Delay").
				Description("How long a new client waits before it is forwarded").
				Placeholder("3s").
				Value(&a.AdmissionDelay).
				Validate(validateDuration),

			huh.NewInput().
				Title("Ban Threshold").
				Description("Expired sessions of one IP in a single pass that ban it (0 disables)").
				Placeholder("4").
				Value(&a.BanThreshold).
				Validate(func(s string) error {
					_, err := parseThreshold(s)
					return err
				}),

			huh.NewSelect[string]().
				Title("Multiplexer").
				Options(
					huh.NewOption("Auto (poll where available)", "auto"),
					huh.NewOption("Poll (single poll(2) loop)", "poll"),
					huh.NewOption("Channel (reader goroutine per socket)", "channel"),
				).
				Value(&a.Multiplexer),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info (Recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable metrics endpoint?").
				Description("HTTP server with /healthz, /ready, /relays and /metrics").
				Value(&a.MetricsEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns the answers into a validated configuration.
func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	ports, err := parsePorts(a.Ports)
	if err != nil {
		return nil, err
	}
	delay, err := time.ParseDuration(strings.TrimSpace(a.AdmissionDelay))
	if err != nil {
		return nil, fmt.Errorf("invalid admission delay: %w", err)
	}
	threshold, err := parseThreshold(a.BanThreshold)
	if err != nil {
		return nil, err
	}

	cfg.Listen.Address = strings.TrimSpace(a.ListenAddress)
	cfg.Listen.Ports = ports
	cfg.Backend.Address = strings.TrimSpace(a.BackendAddress)
	cfg.Relay.AdmissionDelay = delay
	cfg.Relay.BanThreshold = threshold
	if a.Multiplexer != "" {
		cfg.Relay.Multiplexer = a.Multiplexer
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	cfg.Metrics.Enabled = a.MetricsEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udpgate configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	for _, port := range cfg.Listen.Ports {
		fmt.Printf("  Relay:        %s:%d -> %s:%d\n", cfg.Listen.Address, port, cfg.Backend.Address, port)
	}
	fmt.Printf("  Delay:        %s\n", cfg.Relay.AdmissionDelay)

	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relays:")
	fmt.Printf("    udpgate run -c %s\n", configPath)
	fmt.Println()
}

// parsePorts parses a comma or space separated port list.
func parsePorts(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one port is required")
	}

	ports := make([]int, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		port, err := config.ParsePort(f)
		if err != nil {
			return nil, err
		}
		if seen[port] {
			return nil, fmt.Errorf("duplicate port %d", port)
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports, nil
}

func parseThreshold(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("ban threshold must be a non-negative integer")
	}
	return n, nil
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateBackend(s string) error {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("enter an IPv4 address")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration (e.g. 3s, 2500ms)")
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

// suggestExternalIP returns the first global unicast IPv4 address of the
// host, or an empty string.
func suggestExternalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
			return ip.String()
		}
	}
	return ""
}
