package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/page_relay/internal/meta"
)

const (
	defaultGraphHost    = "graph.facebook.com"
	defaultGraphVersion = "v23.0"
)

var (
	cfgFile      string
	graphHost    string
	graphVersion string
	pageID       string
	accessToken  string
	appSecret    string
	timeout      time.Duration
	outputJSON   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Page Relay CLI - administer the page-to-Discord relay",
	Long: `Page Relay CLI (relayctl) is a command line tool for administering
the page relay service.

You can use it to (re)attach the app's feed subscription on the page,
read back what is currently subscribed, and check service health.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&graphHost, "graph-host", defaultGraphHost, "Graph API host")
	rootCmd.PersistentFlags().StringVar(&graphVersion, "graph-version", defaultGraphVersion, "Graph API version path segment")
	rootCmd.PersistentFlags().StringVar(&pageID, "page-id", "", "page identifier (falls back to META_PAGE_ID)")
	rootCmd.PersistentFlags().StringVar(&accessToken, "access-token", "", "page access token (falls back to META_PAGE_ACCESS_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&appSecret, "app-secret", "", "app secret for appsecret_proof (falls back to META_APP_SECRET)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	viper.BindPFlag("graph-host", rootCmd.PersistentFlags().Lookup("graph-host"))
	viper.BindPFlag("graph-version", rootCmd.PersistentFlags().Lookup("graph-version"))
	viper.BindPFlag("page-id", rootCmd.PersistentFlags().Lookup("page-id"))
	viper.BindPFlag("access-token", rootCmd.PersistentFlags().Lookup("access-token"))
	viper.BindPFlag("app-secret", rootCmd.PersistentFlags().Lookup("app-secret"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayctl")
	}

	viper.SetEnvPrefix("RELAYCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags win; unset flags take RELAYCTL_* env or config file values, then
	// the service's own META_* variables so the CLI works unmodified in the
	// relay's shell environment.
	if !rootCmd.PersistentFlags().Changed("graph-host") {
		if s := viper.GetString("graph-host"); s != "" && s != defaultGraphHost {
			graphHost = s
		} else if s := os.Getenv("META_GRAPH_HOST"); s != "" {
			graphHost = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("graph-version") {
		if s := viper.GetString("graph-version"); s != "" && s != defaultGraphVersion {
			graphVersion = s
		} else if s := os.Getenv("META_GRAPH_VERSION"); s != "" {
			graphVersion = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("page-id") {
		if s := viper.GetString("page-id"); s != "" {
			pageID = s
		} else if s := os.Getenv("META_PAGE_ID"); s != "" {
			pageID = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("access-token") {
		if s := viper.GetString("access-token"); s != "" {
			accessToken = s
		} else if s := os.Getenv("META_PAGE_ACCESS_TOKEN"); s != "" {
			accessToken = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("app-secret") {
		if s := viper.GetString("app-secret"); s != "" {
			appSecret = s
		} else if s := os.Getenv("META_APP_SECRET"); s != "" {
			appSecret = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// graphClient builds an upstream client from the resolved flags.
func graphClient() (*meta.Client, error) {
	if pageID == "" {
		return nil, fmt.Errorf("page id missing: set --page-id, RELAYCTL_PAGE_ID, or META_PAGE_ID")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("access token missing: set --access-token, RELAYCTL_ACCESS_TOKEN, or META_PAGE_ACCESS_TOKEN")
	}

	base := "https://" + graphHost + "/" + graphVersion
	return meta.NewClient(base, pageID, accessToken, appSecret, timeout), nil
}

// printOutput prints the response in the requested format
func printOutput(v interface{}) {
	if outputJSON {
		jsonData, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Println(string(jsonData))
		return
	}

	// Human-readable format
	fmt.Printf("%+v\n", v)
}
