package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/2212adrian/tukmol-chat/internal/chat"
	"github.com/2212adrian/tukmol-chat/internal/config"
	"github.com/2212adrian/tukmol-chat/internal/durable"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/notify"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"github.com/2212adrian/tukmol-chat/internal/ratelimit"
	"github.com/2212adrian/tukmol-chat/internal/realtime"
	"github.com/2212adrian/tukmol-chat/internal/storage"
	"github.com/2212adrian/tukmol-chat/internal/typing"
)

func main() {
	configPath := flag.String("config", os.Getenv("TUKMOL_CONFIG"), "path to the YAML config file")
	room := flag.String("room", "", "room to join (overrides config)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *room != "" {
		cfg.Client.Room = *room
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer closeStore()

	self := identity(cfg.Client)
	relay := realtime.NewClient(cfg.Client.RelayURL, presence.Meta{
		UserID:      self.UserID,
		DisplayName: self.DisplayName,
		AvatarURL:   self.AvatarURL,
	})

	opts := []chat.Option{
		chat.WithPageSize(cfg.Client.PageSize),
		chat.WithSendLimiter(ratelimit.NewSendLimiter(cfg.Limits.SendLimit, cfg.Limits.SendWindow, cfg.Limits.SendCooldown)),
		chat.WithTyping(typing.WithQuiet(cfg.Limits.TypingQuiet), typing.WithRemoteTTL(cfg.Limits.TypingTTL)),
		chat.WithSink(terminalSink{}, cfg.Limits.NotifyHorizon),
		chat.WithNotices(printNotice),
	}
	if cfg.Push.Endpoint != "" {
		opts = append(opts, chat.WithPush(notify.NewPushClient(cfg.Push.Endpoint)))
	}
	if cfg.Storage.BaseURL != "" {
		opts = append(opts, chat.WithUploader(storage.NewHTTPUploader(cfg.Storage.BaseURL, cfg.Storage.Token)))
	}
	c := chat.New(self, store, relay, opts...)

	if err := enterRoom(ctx, c, cfg.Client.Room); err != nil {
		log.Fatalf("Failed to join %s: %v", cfg.Client.Room, err)
	}
	defer c.LeaveRoom(context.Background())
	go c.RunReadPoller(ctx, cfg.Limits.ReadPoll)

	fmt.Printf("Joined #%s as %s. Type /help for commands.\n", c.Room(), self.DisplayName)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, c, line); quit {
				return
			}
		}
	}
}

func identity(cfg config.ClientConfig) chat.Identity {
	id := chat.Identity{UserID: cfg.UserID, DisplayName: cfg.DisplayName, AvatarURL: cfg.AvatarURL}
	if id.UserID == "" {
		id.UserID = uuid.NewString()
		log.Printf("No CHAT_USER_ID set, using %s for this session", id.UserID)
	}
	if id.DisplayName == "" {
		id.DisplayName = "anon-" + id.UserID[:6]
	}
	return id
}

func openStore(ctx context.Context, cfg config.StoreConfig) (durable.Backend, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := durable.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		log.Printf("Connected to Postgres")
		return pg, pg.Close, nil
	default:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
		return durable.NewRedisStore(rdb), func() { rdb.Close() }, nil
	}
}

func enterRoom(ctx context.Context, c *chat.Coordinator, roomID string) error {
	c.SetVisibility(notify.Visibility{Visible: true, FocusedRoom: roomID})
	if err := c.EnterRoom(ctx, roomID); err != nil {
		return err
	}
	for _, m := range c.Messages() {
		printMessage(m)
	}
	return nil
}

const help = `Commands:
  <text>                    send a message
  /edit <id> <text>         edit one of your messages
  /delete <id>              delete one of your messages
  /react <id> <emoji>       toggle a reaction
  /upload <kind> <path>     send a file (image, audio, document)
  /older                    load older history
  /history                  print the loaded messages
  /who                      list online users
  /join <room>              switch rooms
  /quit                     leave`

// handleLine runs one line of input and reports whether to quit.
func handleLine(ctx context.Context, c *chat.Coordinator, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.SendMessage(ctx, chat.Draft{Content: line}); err != nil && !errors.Is(err, chat.ErrRateLimited) {
			fmt.Printf("! %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	arg, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(help)
	case "/edit":
		err = withMessage(ctx, c, arg, func(id string) error { return c.EditMessage(ctx, id, text) })
	case "/delete":
		err = withMessage(ctx, c, arg, func(id string) error { return c.DeleteMessage(ctx, id) })
	case "/react":
		err = withMessage(ctx, c, arg, func(id string) error {
			action, err := c.ToggleReaction(ctx, id, strings.TrimSpace(text))
			if err == nil {
				fmt.Printf("* reaction %s\n", action)
			}
			return err
		})
	case "/upload":
		err = upload(ctx, c, storage.Kind(arg), strings.TrimSpace(text))
	case "/older":
		var n int
		n, err = c.LoadOlder(ctx)
		if err == nil {
			fmt.Printf("* loaded %d older messages\n", n)
		}
	case "/history":
		for _, m := range c.Messages() {
			printMessage(m)
		}
	case "/who":
		for _, e := range c.Online() {
			fmt.Printf("* %s (%s)\n", e.DisplayName, e.UserID)
		}
		if typers := c.Typers(); len(typers) > 0 {
			fmt.Printf("* typing: %s\n", strings.Join(typers, ", "))
		}
	case "/join":
		if arg == "" {
			fmt.Println("! usage: /join <room>")
			break
		}
		if err = enterRoom(ctx, c, arg); err == nil {
			fmt.Printf("* now in #%s\n", c.Room())
		}
	default:
		fmt.Printf("! unknown command %s\n", cmd)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

// withMessage resolves an id prefix against the loaded messages, refetching
// from the store once if the message is not loaded.
func withMessage(ctx context.Context, c *chat.Coordinator, prefix string, fn func(id string) error) error {
	if prefix == "" {
		return errors.New("message id required")
	}
	id := prefix
	for _, m := range c.Messages() {
		if strings.HasPrefix(m.ID, prefix) {
			id = m.ID
			break
		}
	}
	err := fn(id)
	if errors.Is(err, message.ErrNotFound) {
		if err := c.RefetchMessage(ctx, id); err != nil {
			return err
		}
		return fn(id)
	}
	return err
}

func upload(ctx context.Context, c *chat.Coordinator, kind storage.Kind, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	att, err := c.Upload(ctx, storage.Object{Name: info.Name(), Kind: kind, Size: info.Size(), Body: f})
	if err != nil {
		return err
	}
	_, err = c.SendMessage(ctx, chat.Draft{Kind: att.Kind, Attachments: []message.Attachment{att}})
	return err
}

type terminalSink struct{}

func (terminalSink) Banner(m *message.Message) { printMessage(m) }

func (terminalSink) System(m *message.Message) {
	fmt.Printf("\a")
	printMessage(m)
}

func printMessage(m *message.Message) {
	content, atts := m.Display()
	if m.Deleted() {
		content = fmt.Sprintf("(deleted by %s)", m.DeletedByName)
	}
	for _, a := range atts {
		content += fmt.Sprintf(" [%s %s]", a.Kind, a.URL)
	}
	edited := ""
	if m.Edited() {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s %s: %s%s\n", shortID(m.ID), m.CreatedAt.Local().Format("15:04"), m.Author.DisplayName, content, edited)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printNotice(n chat.Notice) {
	prefix := "*"
	if n.Level >= chat.LevelWarning {
		prefix = "!"
	}
	if n.Err != nil {
		fmt.Printf("%s %s: %v\n", prefix, n.Text, n.Err)
		return
	}
	fmt.Printf("%s %s\n", prefix, n.Text)
}
