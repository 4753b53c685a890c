package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `beacon`,
	Long: `beacon keeps disaster response teams talking over nearby radios when infrastructure is down`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("beacon keeps disaster response teams talking over nearby radios when infrastructure is down")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(activityCmd)
}
