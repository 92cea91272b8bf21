// Package notify posts import summaries to a Discord channel.
//
// The notifier is optional end to end: without a bot token and channel
// id New returns nil, and every method on a nil notifier is a no-op, so
// callers announce unconditionally and configuration decides whether
// anything leaves the process.  Only the REST API is used, the gateway
// is never opened.
package notify

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Logger lets callers plug their log sink in.
type Logger func(format string, v ...any)

// Summary is one import round worth of announcing.  Geometry fields are
// shown only when set, so callers without fresh stats can leave them zero.
type Summary struct {
	Source     string // "directory import", "upload", "strava sync"
	Imported   int
	Skipped    int
	Failed     int
	NewTiles   int
	TotalTiles int
	DistanceKm float64
	MaxSquare  int
	MaxCluster int
	Eddington  int
}

// Notifier owns the bot session and the destination channel.
type Notifier struct {
	session   *discordgo.Session
	channelID string
	logf      Logger
}

// New builds a notifier from a bot token and channel id.  Either one
// empty disables notifications and returns nil without error.
func New(token, channelID string, logf Logger) (*Notifier, error) {
	if token == "" || channelID == "" {
		return nil, nil
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Notifier{session: session, channelID: channelID, logf: logf}, nil
}

// AnnounceImport posts one summary message, optionally with a rendered
// map preview attached.  Rounds that imported nothing and failed nothing
// stay silent so rescans of an unchanged directory never ping anyone.
func (n *Notifier) AnnounceImport(sum Summary, preview []byte) {
	if n == nil || n.session == nil {
		return
	}
	if sum.Imported == 0 && sum.Failed == 0 {
		return
	}

	content, embed := buildImportMessage(sum)

	var files []*discordgo.File
	if len(preview) > 0 {
		files = append(files, &discordgo.File{
			Name:        "tilemap.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(preview),
		})
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://tilemap.png"}
	}

	if _, err := n.session.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{embed},
		Files:   files,
	}); err != nil {
		n.logf("discord: send to channel %s: %v", n.channelID, err)
		return
	}
	n.logf("discord: announced %d imported, %d skipped", sum.Imported, sum.Skipped)
}

func buildImportMessage(sum Summary) (string, *discordgo.MessageEmbed) {
	content := fmt.Sprintf("🗺️ %d new activities on the map", sum.Imported)
	if sum.NewTiles > 0 {
		content += fmt.Sprintf(" (+%d tiles)", sum.NewTiles)
	}
	if sum.Failed > 0 {
		content += fmt.Sprintf(", %d failed", sum.Failed)
	}

	embed := &discordgo.MessageEmbed{
		Title: "Tile map update",
		Color: 0x3A86DE,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Imported", Value: fmt.Sprintf("%d", sum.Imported), Inline: true},
			{Name: "Skipped", Value: fmt.Sprintf("%d", sum.Skipped), Inline: true},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if sum.Failed > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Failed", Value: fmt.Sprintf("%d", sum.Failed), Inline: true,
		})
	}
	if sum.NewTiles > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "New tiles", Value: fmt.Sprintf("%d", sum.NewTiles), Inline: true,
		})
	}
	if sum.TotalTiles > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Total tiles", Value: fmt.Sprintf("%d", sum.TotalTiles), Inline: true,
		})
	}
	if sum.DistanceKm > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Distance", Value: fmt.Sprintf("%.2f km", sum.DistanceKm), Inline: true,
		})
	}
	if sum.MaxSquare > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Max square", Value: fmt.Sprintf("%d×%d", sum.MaxSquare, sum.MaxSquare), Inline: true,
		})
	}
	if sum.MaxCluster > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Max cluster", Value: fmt.Sprintf("%d", sum.MaxCluster), Inline: true,
		})
	}
	if sum.Eddington > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Eddington", Value: fmt.Sprintf("%d", sum.Eddington), Inline: true,
		})
	}
	if sum.Source != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: sum.Source}
	}
	return content, embed
}
