package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// DefaultURL is the address appd listens on out of the box.
const DefaultURL = "ws://localhost:5273"

const configDirName = ".appctl"

// Settings is what appctl needs to reach an appd host.
type Settings struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

var cfgFile string

// Bind registers the connection flags on cmd and resolves them, in order
// of precedence, from flags, APPCTL_* env vars, the config file and the
// defaults before any command runs.
func Bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ~/.appctl/config.yaml)")
	flags.String("url", "", "appd endpoint (default "+DefaultURL+")")
	flags.String("key", "", "appd master key")

	viper.BindPFlag("url", flags.Lookup("url"))
	viper.BindPFlag("key", flags.Lookup("key"))

	cobra.OnInitialize(readSources)
}

func readSources() {
	viper.SetEnvPrefix("APPCTL")
	viper.AutomaticEnv()
	viper.SetDefault("url", DefaultURL)

	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	default:
		path, err := DefaultConfigFile()
		if err != nil {
			return
		}
		viper.SetConfigFile(path)
	}
	// A missing config file is fine
	_ = viper.ReadInConfig()
}

// Current returns the resolved settings.
func Current() Settings {
	return Settings{URL: viper.GetString("url"), Key: viper.GetString("key")}
}

// Validate reports which required setting is missing.
func (s Settings) Validate() error {
	if s.URL == "" {
		return errors.New("appd URL is required (set APPCTL_URL env var, --url flag, or url in config file)")
	}
	if s.Key == "" {
		return errors.New("master key is required (set APPCTL_KEY env var, --key flag, or key in config file)")
	}
	return nil
}

// Prompt asks for each setting, keeping the value from current on empty
// input. The key is read without echo when in is a terminal.
func Prompt(in io.Reader, out io.Writer, current Settings) (Settings, error) {
	reader := bufio.NewReader(in)
	next := current

	hint := ""
	if current.URL != "" {
		hint = " [" + current.URL + "]"
	}
	fmt.Fprintf(out, "appd URL%s: ", hint)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return Settings{}, fmt.Errorf("failed to read input: %w", err)
	}
	if v := strings.TrimSpace(line); v != "" {
		next.URL = v
	}

	hint = ""
	if current.Key != "" {
		hint = " [hidden]"
	}
	fmt.Fprintf(out, "Master key%s: ", hint)
	secret, err := readSecret(in, reader, out)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read master key: %w", err)
	}
	if v := strings.TrimSpace(secret); v != "" {
		next.Key = v
	}

	if next.URL == "" {
		return Settings{}, errors.New("URL is required")
	}
	if next.Key == "" {
		return Settings{}, errors.New("master key is required")
	}
	return next, nil
}

func readSecret(in io.Reader, reader *bufio.Reader, out io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		return string(raw), err
	}
	line, err := reader.ReadString('\n')
	if err == io.EOF {
		err = nil
	}
	return line, err
}

// DefaultConfigFile returns ~/.appctl/config.yaml
func DefaultConfigFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName, "config.yaml"), nil
}

// Save writes s to path, readable only by the owner.
func Save(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0o600)
}

// MaskKey shows only the edges of a key
func MaskKey(k string) string {
	if len(k) <= 8 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + "..." + k[len(k)-4:]
}
