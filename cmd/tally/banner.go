package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerRuleStyle    = lipgloss.NewStyle().Foreground(colorMuted)
	bannerTickStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

// renderBanner draws tally marks around the name.
func renderBanner() string {
	rule := bannerRuleStyle.Render(strings.Repeat("─", 21))
	ticks := bannerTickStyle.Render("||||") + bannerRuleStyle.Render("/")
	title := bannerTitleStyle.Render("TALLY")

	lines := []string{
		"  " + rule,
		"   " + ticks + "   " + title + "   " + ticks,
		"  " + rule,
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   books that work offline")
	ver := bannerVersionStyle.Render("   " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
