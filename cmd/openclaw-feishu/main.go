package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	// Local development credentials; missing .env is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "openclaw-feishu",
		Short: "Feishu channel adapter for the OpenClaw agent",
		Long:  `openclaw-feishu connects a Feishu (Lark) bot to the OpenClaw agent, streaming replies into live cards.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")

	rootCmd.AddCommand(
		newServeCmd(),
		newDoctorCmd(),
		newPairCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show adapter version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw-feishu v%s\n", version)
		},
	}
}
