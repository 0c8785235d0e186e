// Package bot is the Discord front end: chat commands start episodes and
// their progress is shown by editing a single status message.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
	"github.com/obot-platform/scriptsmith/server/internal/version"
)

// maxMessageLen is Discord's message size limit.
const maxMessageLen = 2000

// Messenger is the part of *discordgo.Session the bot writes with.
type Messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Starter launches episodes. *pipeline.Service implements it.
type Starter interface {
	Start(req pipeline.Request) (*events.Stream, error)
}

// Bot routes chat messages to episodes.
type Bot struct {
	session *discordgo.Session
	msgs    Messenger
	starter Starter
	prefix  string
	log     *logger.Logger

	wg sync.WaitGroup
}

// New creates a Discord bot. Call Run to connect.
func New(token, prefix string, starter Starter, log *logger.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := newBot(session, starter, prefix, log)
	b.session = session
	session.AddHandler(b.onMessageCreate)
	return b, nil
}

func newBot(msgs Messenger, starter Starter, prefix string, log *logger.Logger) *Bot {
	if log == nil {
		log = logger.NewNop()
	}
	if prefix == "" {
		prefix = "!"
	}
	return &Bot{msgs: msgs, starter: starter, prefix: prefix, log: log.Named("discord")}
}

// Run connects and serves until ctx is done, then waits for progress
// forwarders to finish.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	b.log.Info("discord bot connected")

	<-ctx.Done()

	err := b.session.Close()
	b.wg.Wait()
	b.log.Info("discord bot stopped")
	return err
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	b.handle(incoming{
		authorID:  m.Author.ID,
		channelID: m.ChannelID,
		direct:    m.GuildID == "",
		content:   m.Content,
	})
}

// incoming is a chat message stripped to what routing needs.
type incoming struct {
	authorID  string
	channelID string
	direct    bool
	content   string
}

func (b *Bot) handle(msg incoming) {
	text := strings.TrimSpace(msg.content)
	if text == "" {
		return
	}

	if !strings.HasPrefix(text, b.prefix) {
		// Plain direct messages are topics; channel chatter is ignored.
		if msg.direct {
			b.explain(msg, text)
		}
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(text, b.prefix), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "start":
		b.send(msg.channelID, fmt.Sprintf("Hi! Send me a topic and I will write and run a script that explains it.\nUse `%sexplain <topic>` in a channel, or just DM me the topic.", b.prefix))
	case "about":
		b.send(msg.channelID, fmt.Sprintf("scriptsmith %s: generates explanation scripts, runs them in a sandbox and repairs them until they work.", version.Get()))
	case "chat_id":
		b.send(msg.channelID, "chat id: "+msg.channelID)
	case "explain":
		if arg == "" {
			b.send(msg.channelID, fmt.Sprintf("Usage: %sexplain <topic>", b.prefix))
			return
		}
		b.explain(msg, arg)
	default:
		if msg.direct {
			b.send(msg.channelID, fmt.Sprintf("Unknown command. Try %sstart", b.prefix))
		}
	}
}

func (b *Bot) explain(msg incoming, topic string) {
	stream, err := b.starter.Start(pipeline.Request{
		Topic:       topic,
		RequesterID: "discord:" + msg.authorID,
	})
	if err != nil {
		b.send(msg.channelID, "Cannot start: "+err.Error())
		return
	}

	status, err := b.msgs.ChannelMessageSend(msg.channelID, "Working on: "+truncate(topic, 200))
	if err != nil {
		b.log.Warn("failed to send status message", "channel", msg.channelID, "error", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.forward(msg.channelID, status, stream)
	}()
}

// forward mirrors a stream into the channel until it closes. Status edits
// go through a one-slot mailbox drained by its own goroutine; only the newest
// pending status is sent.
func (b *Bot) forward(channelID string, status *discordgo.Message, stream *events.Stream) {
	var lastCode, lastError, url string

	pending := make(chan string, 1)
	edited := make(chan struct{})
	go func() {
		defer close(edited)
		for text := range pending {
			if status == nil {
				continue
			}
			if _, err := b.msgs.ChannelMessageEdit(channelID, status.ID, text); err != nil {
				b.log.Debug("failed to edit status message", "error", err)
			}
		}
	}()

	for ev := range stream.Events() {
		switch ev.Type {
		case events.EventTypeProgress:
			var p events.ProgressData
			if json.Unmarshal(ev.Data, &p) == nil {
				latest(pending, "Status: "+p.Info)
			}
		case events.EventTypeCode:
			var c events.CodeData
			if json.Unmarshal(ev.Data, &c) == nil {
				lastCode = c.PythonCode
			}
		case events.EventTypeError:
			var e events.ErrorData
			if json.Unmarshal(ev.Data, &e) == nil {
				lastError = e.Error
			}
		case events.EventTypeResult:
			var r events.ResultData
			if json.Unmarshal(ev.Data, &r) == nil {
				url = r.URL
			}
		}
	}
	close(pending)
	<-edited

	if url == "" {
		b.send(channelID, "Failed: "+truncate(lastError, maxMessageLen-8))
		return
	}
	if lastCode != "" {
		b.send(channelID, codeBlock(lastCode))
	}
	b.send(channelID, url)
}

// latest replaces whatever is waiting in the one-slot mailbox with text.
// Only one goroutine may send on mailbox.
func latest(mailbox chan string, text string) {
	select {
	case <-mailbox:
	default:
	}
	mailbox <- text
}

func (b *Bot) send(channelID, content string) {
	if _, err := b.msgs.ChannelMessageSend(channelID, truncate(content, maxMessageLen)); err != nil {
		b.log.Warn("failed to send message", "channel", channelID, "error", err)
	}
}

// codeBlock fences code, cutting it to fit one message.
func codeBlock(code string) string {
	const fence = "```python\n%s\n```"
	return fmt.Sprintf(fence, truncate(code, maxMessageLen-len(fence)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
