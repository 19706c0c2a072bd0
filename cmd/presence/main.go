package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"topicpresence/internal/app"
	"topicpresence/internal/logging"
	"topicpresence/internal/version"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "presence",
	Short:         "Topic presence server and terminal client",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the presence HTTP and bus server",
	RunE:  runServer,
}

var watchCmd = &cobra.Command{
	Use:   "watch <topic-id>",
	Short: "Watch who is replying in a topic and announce your own typing",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var signupCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignup,
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the stored session",
	RunE:  runLogout,
}

var hideCmd = &cobra.Command{
	Use:   "hide <on|off>",
	Short: "Hide or show your presence to other users",
	Args:  cobra.ExactArgs(1),
	RunE:  runHide,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PRESENCE_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	serverCmd.Flags().String("addr", "", "listen address")
	serverCmd.Flags().String("db", "", "sqlite database path")
	serverCmd.Flags().String("redis-url", "", "redis URL for the bus backplane")
	serverCmd.Flags().Int("max-users-shown", 0, "users shown per topic or post")
	serverCmd.Flags().Bool("allow-hide", false, "let users hide their presence")

	for _, cmd := range []*cobra.Command{watchCmd, signupCmd, loginCmd, logoutCmd, hideCmd} {
		cmd.Flags().String("server", "", "server base URL")
		cmd.Flags().String("session", "", "session file path")
	}
	signupCmd.Flags().String("name", "", "display name")
	signupCmd.Flags().String("password", "", "password (prompted when empty)")
	loginCmd.Flags().String("password", "", "password (prompted when empty)")

	rootCmd.AddCommand(serverCmd, watchCmd, signupCmd, loginCmd, logoutCmd, hideCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "presence: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadServerConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("redis-url") {
		cfg.Bus.RedisURL, _ = flags.GetString("redis-url")
	}
	if flags.Changed("max-users-shown") {
		cfg.Presence.MaxUsersShown, _ = flags.GetInt("max-users-shown")
	}
	if flags.Changed("allow-hide") {
		cfg.Presence.AllowUsersToHidePresence, _ = flags.GetBool("allow-hide")
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting", zap.String("version", version.String()))
	handle, err := app.RunServer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runWatch(cmd *cobra.Command, args []string) error {
	topicID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || topicID <= 0 {
		return fmt.Errorf("invalid topic id %q", args[0])
	}
	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	if err := app.EnsureLogDir(cfg.Log.OutputPaths); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("watching topic", zap.Int64("topic_id", topicID), zap.String("server", cfg.ServerURL))
	return app.RunWatch(cmd.Context(), cfg, topicID, logger)
}

func runSignup(cmd *cobra.Command, args []string) error {
	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	password, err := passwordFlag(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("name")
	session, err := app.Signup(cmd.Context(), cfg, args[0], password, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed up and logged in as %s.\n", session.Username)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	password, err := passwordFlag(cmd)
	if err != nil {
		return err
	}
	session, err := app.Login(cmd.Context(), cfg, args[0], password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", session.Username)
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	return app.Logout(cmd.Context(), cfg)
}

func runHide(cmd *cobra.Command, args []string) error {
	var hide bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes":
		hide = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	settings, err := app.SetHidePresence(cmd.Context(), cfg, hide)
	if err != nil {
		return err
	}
	if hide && !settings.AllowUsersToHidePresence {
		fmt.Fprintln(cmd.OutOrStdout(), "Saved, but this site does not let users hide their presence.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Hide presence: %v.\n", settings.HidePresence)
	return nil
}

func clientConfig(cmd *cobra.Command) (app.ClientConfig, error) {
	cfg, err := app.LoadClientConfig(configPath, os.Getenv)
	if err != nil {
		return cfg, err
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.ServerURL = server
	}
	if session, _ := cmd.Flags().GetString("session"); session != "" {
		cfg.SessionPath = session
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func passwordFlag(cmd *cobra.Command) (string, error) {
	if password, _ := cmd.Flags().GetString("password"); password != "" {
		return password, nil
	}
	if password := os.Getenv("PRESENCE_PASSWORD"); password != "" {
		return password, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
