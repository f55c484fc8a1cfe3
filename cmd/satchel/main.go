package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"satchel/engine/actors"
)

func main() {
	//optional .env next to the binary, mostly for development
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "satchel",
		Short: "A federation-backed wallet controlled over nostr",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			conf := viper.New()
			actors.InitConfig(conf)
			actors.SetConfig(conf)
		},
	}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(profileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
