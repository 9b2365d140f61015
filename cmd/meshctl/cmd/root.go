package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meshsched/meshsched/pkg/agent"
	"github.com/meshsched/meshsched/pkg/tlsutil"
)

var (
	daemonURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	timeout      time.Duration
	clientTLS    tlsutil.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "CLI for the meshsched scheduler",
	Long: `meshctl submits and inspects tasks, nodes and routes on a meshd daemon.

The daemon URL and API key are read from --url/--api-key, $HOME/.meshctl/config.yaml,
or the MESHD_URL and MESHSCHED_API_KEY environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.meshctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "url", "", "meshd API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&clientTLS.CAFile, "ca", "", "CA certificate used to verify meshd")
	rootCmd.PersistentFlags().StringVar(&clientTLS.CertFile, "cert", "", "client certificate for mTLS")
	rootCmd.PersistentFlags().StringVar(&clientTLS.KeyFile, "key", "", "client key for mTLS")
	rootCmd.PersistentFlags().BoolVar(&clientTLS.InsecureSkipVerify, "insecure-skip-verify", false, "skip TLS verification (development only)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".meshctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("api_key", "MESHSCHED_API_KEY")
	viper.BindEnv("daemon_url", "MESHD_URL")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	if daemonURL == "" {
		daemonURL = viper.GetString("daemon_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if daemonURL == "" {
		daemonURL = "http://localhost:8080"
	}
}

// GetDaemonURL returns the configured daemon URL with trailing slashes removed
func GetDaemonURL() string {
	return strings.TrimRight(daemonURL, "/")
}

// newClient builds an API client from the global flags
func newClient() *agent.Client {
	client := agent.NewClient(GetDaemonURL())
	if clientTLS.ClientEnabled() {
		tlsConfig, err := clientTLS.ClientConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading TLS config: %v\n", err)
			os.Exit(1)
		}
		client = agent.NewClientWithTLS(GetDaemonURL(), tlsConfig)
	}
	if apiKey != "" {
		client.SetAPIKey(apiKey)
	}
	return client
}

// requestContext bounds one command's API calls by --timeout
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// printStructured writes v as JSON or YAML and reports whether it did.
// Table output is left to the caller.
func printStructured(v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(out))
		return true, nil
	case "yaml":
		// Round-trip through JSON so the YAML keys match the API
		data, err := json.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Print(string(out))
		return true, nil
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (use table, json or yaml)", outputFormat)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
