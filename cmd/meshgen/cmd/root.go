package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/meshgen/internal/config"
	"github.com/psantana5/meshgen/pkg/apiclient"
	tlsutil "github.com/psantana5/meshgen/pkg/tls"
)

// Version is set at build time with -ldflags
var Version = "dev"

var (
	cfgFile      string
	apiKeyFlag   string
	outputFormat string
	serverURL    string
	logLevel     string

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshgen",
	Short: "Generate 3D models with Tripo3D and import them into a scene",
	Long: `meshgen submits text, image and multiview generation jobs to the Tripo3D
service, follows them until they finish and imports the resulting models into
a scene directory.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.meshgen/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "Tripo3D API key (default from "+config.APIKeyEnv+", config or "+config.APIKeyFile+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL of a running 'meshgen serve' daemon")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Version = Version
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(config.NewViper(), config.Options{
		ConfigFile: cfgFile,
		APIKey:     apiKeyFlag,
	})
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if warning := config.APIKeyWarning(loaded.APIKey); warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
	cfg = loaded
	return nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetServerURL returns the daemon URL with trailing slashes removed
func GetServerURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	return cfg.Server.Scheme() + "://" + cfg.Server.Addr
}

// newDaemonClient returns a client for the daemon at GetServerURL. A
// self-signed daemon certificate is trusted when no CA is configured.
func newDaemonClient() (*apiclient.Client, error) {
	opts := apiclient.Options{
		Token:   cfg.Server.AuthToken,
		Timeout: 10 * time.Second,
	}
	base := GetServerURL()
	if strings.HasPrefix(base, "https://") {
		ca := cfg.Server.CACert
		if ca == "" && cfg.Server.TLSAuto {
			ca, _ = cfg.Server.CertPaths()
		}
		tlsCfg, err := tlsutil.LoadClientConfig(ca)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsCfg
	}
	return apiclient.NewClient(base, opts), nil
}
