package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/predicowallet/internal/agents"
	"github.com/tyemirov/predicowallet/internal/menu"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"go.uber.org/zap"
)

const (
	configCodeEnvFile         = "config.env_file"
	configCodeMissingUsersDir = "config.missing_users_file_dir"
	configCodeAPIClient       = "config.api_client"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "predicowallet-menu",
		Short: "Interactive menu that provisions demo users and runs wallet and market operations through the wallet API",
		RunE:  runMenu,
	}

	rootCmd.Flags().String("env_file", ".env", "Dotenv file loaded before reading the environment")
	rootCmd.Flags().String("api_url", "http://localhost:8000", "Wallet API base URL")
	rootCmd.Flags().String("users_file_dir", "", "Directory holding users.json (env USERS_FILE_DIR)")
	rootCmd.Flags().Duration("timeout", 60*time.Second, "Wallet API request timeout")

	_ = viper.BindPFlag("env_file", rootCmd.Flags().Lookup("env_file"))
	_ = viper.BindPFlag("api_url", rootCmd.Flags().Lookup("api_url"))
	_ = viper.BindPFlag("users_file_dir", rootCmd.Flags().Lookup("users_file_dir"))
	_ = viper.BindPFlag("timeout", rootCmd.Flags().Lookup("timeout"))
	_ = viper.BindEnv("users_file_dir", "USERS_FILE_DIR")
	_ = viper.BindEnv("api_url", "APP_API_URL")

	return rootCmd
}

func runMenu(command *cobra.Command, arguments []string) error {
	if envFile := viper.GetString("env_file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", configCodeEnvFile, err)
		}
	}

	usersFile, err := agents.NewUsersFile(viper.GetString("users_file_dir"))
	if err != nil {
		return fmt.Errorf("%s: USERS_FILE_DIR must be provided: %w", configCodeMissingUsersDir, err)
	}
	transport, err := upstream.NewClient(viper.GetString("api_url"), viper.GetDuration("timeout"))
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeAPIClient, err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	manager := agents.NewManager(agents.NewAPIClient(transport), usersFile, logger)
	menu.UseTerminal(os.Stdout)
	menu.Run(command.Context(), manager, bufio.NewScanner(os.Stdin))
	return nil
}
