package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	var (
		displayName   = "AgentGate"
		runtimeURL    = cfg.Runtime.URL
		enableTG      bool
		tgToken       string
		enableDiscord bool
		discordToken  string
		gatewayPort   = fmt.Sprintf("%d", cfg.Gateway.Port)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent display name").
				Description("Shown in channel messages and the control-plane UI.").
				Value(&displayName),
			huh.NewInput().
				Title("Agent backend URL").
				Description("WebSocket endpoint of the ACP runtime.").
				Value(&runtimeURL),
			huh.NewInput().
				Title("Gateway port").
				Value(&gatewayPort),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTG),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to set via AGENTGATE_TELEGRAM_TOKEN later.").
				EchoMode(huh.EchoModePassword).
				Value(&tgToken),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&enableDiscord),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to set via AGENTGATE_DISCORD_TOKEN later.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("Setup cancelled.")
		os.Exit(1)
	}

	cfg.Agent.DisplayName = displayName
	cfg.Runtime.URL = runtimeURL
	if port, err := parsePort(gatewayPort); err == nil {
		cfg.Gateway.Port = port
	}
	cfg.Channels.Telegram.Enabled = enableTG
	cfg.Channels.Discord.Enabled = enableDiscord

	// Secrets never land in config.json — print export lines instead.
	cfg.StripSecrets()
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Failed to write %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	fmt.Printf("\nConfig written to %s\n", cfgPath)
	if tgToken != "" || discordToken != "" {
		fmt.Println("\nTokens are kept out of config.json. Export them before starting:")
		if tgToken != "" {
			fmt.Printf("  export AGENTGATE_TELEGRAM_TOKEN=%s\n", tgToken)
		}
		if discordToken != "" {
			fmt.Printf("  export AGENTGATE_DISCORD_TOKEN=%s\n", discordToken)
		}
	}
	fmt.Println("\nStart the gateway with:  agentgate")
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}
