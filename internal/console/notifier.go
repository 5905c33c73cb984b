package console

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const notifierDedupSize = 500

// Notifier pushes operator alerts (failed commands, poll-failure
// transitions) to a Discord channel. Repeated identical alerts are
// deduplicated through an LRU so a session that keeps failing does not
// flood the channel.
type Notifier struct {
	session   *discordgo.Session
	channelID string
	dedup     *lru.Cache[string, struct{}]
	logger    *zap.Logger
}

// NewNotifier builds a notifier. An empty bot token yields a nil notifier,
// which every call site treats as "alerts disabled".
func NewNotifier(botToken, channelID string, logger *zap.Logger) (*Notifier, error) {
	if botToken == "" || channelID == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	dedup, err := lru.New[string, struct{}](notifierDedupSize)
	if err != nil {
		return nil, fmt.Errorf("create alert dedup cache: %w", err)
	}

	return &Notifier{
		session:   session,
		channelID: channelID,
		dedup:     dedup,
		logger:    logger,
	}, nil
}

// Start opens the Discord gateway connection.
func (n *Notifier) Start() error {
	if n == nil {
		return nil
	}
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	n.logger.Info("discord notifier connected", zap.String("channel_id", n.channelID))
	return nil
}

// Stop closes the gateway connection.
func (n *Notifier) Stop() error {
	if n == nil {
		return nil
	}
	return n.session.Close()
}

// Alert sends one message to the alert channel unless an identical message
// was sent recently.
func (n *Notifier) Alert(message string) {
	if n == nil || message == "" {
		return
	}

	if n.dedup.Contains(message) {
		return
	}
	n.dedup.Add(message, struct{}{})

	if _, err := n.session.ChannelMessageSend(n.channelID, message); err != nil {
		n.logger.Warn("failed to send discord alert", zap.Error(err))
	}
}

// ResetAlert clears the dedup entry for a message, letting the next
// occurrence alert again after a recovery.
func (n *Notifier) ResetAlert(message string) {
	if n == nil {
		return
	}
	n.dedup.Remove(message)
}
