package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/parley/internal/client"
	"github.com/PabloGalante/parley/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		Long: "Open an interactive session against a running parley server.\n" +
			"Without --session a new session is created first. Lines starting\n" +
			"with / are commands; /help lists them.",
		Run: runChat,
	}
	cmd.Flags().StringP("session", "s", "", "Join an existing session instead of creating one")
	cmd.Flags().StringP("user", "u", "local", "User ID for new sessions")
	cmd.Flags().String("server", "", "Server URL (overrides config)")
	cmd.Flags().String("token", "", "Auth token (overrides config)")
	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.Client.ServerURL = s
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Server.AuthToken
	}

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		userID, _ := cmd.Flags().GetString("user")
		id, err := createSession(cfg.Client.ServerURL, userID)
		if err != nil {
			exitErr("create session", err)
		}
		sessionID = id
		fmt.Fprintf(os.Stderr, "· session %s\n", sessionID)
	}

	notice := func(format string, a ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", a...)
	}

	c, err := client.New(client.Config{
		ServerURL:         cfg.Client.ServerURL,
		SessionID:         sessionID,
		Token:             token,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		MessageTimeout:    cfg.Client.MessageTimeout,
		ConnectTimeout:    cfg.Client.ConnectTimeout,
		QueueMaxRetries:   cfg.Client.QueueMaxRetries,
		Backoff:           backoffPolicy(cfg.Client.Backoff),
	}, client.Callbacks{
		OnStateChange: func(s client.State) {
			notice("· %s", s)
		},
		OnResponse: func(r client.Response) {
			prefix := ""
			if r.Late {
				prefix = "(late) "
			}
			fmt.Printf("%sparley> %s\n", prefix, r.Text)
		},
		OnStreamStart: func(s *client.Stream) {
			fmt.Print("parley> ")
		},
		OnStreamChunk: func(s *client.Stream, text string, index int) {
			fmt.Print(text)
		},
		OnStreamEnd: func(r client.Response) {
			fmt.Println()
		},
		OnTimeout: func(id string) {
			notice("! no reply yet for %s, still listening", shortID(id))
		},
		OnSendFailed: func(m client.FailedMessage) {
			notice("! could not send %q after %d attempts: %v (use /retry)", m.Text, m.Attempts, m.LastError)
		},
		OnError: func(err error) {
			notice("! %v", err)
		},
		OnSystem: func(event string, meta map[string]string) {
			switch event {
			case "hello":
				notice("· session ready (%s messages so far)", meta["message_count"])
			case "ended", "expired":
				notice("· session %s", event)
			}
		},
	})
	if err != nil {
		exitErr("chat", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		exitErr("connect", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		readInput(c, notice)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
	case <-done:
		waitForReplies(c, cfg.Client.MessageTimeout)
	}
	c.Disconnect()
}

func readInput(c *client.Client, notice func(string, ...any)) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := slashCommand(c, line, notice); quit {
				return
			}
			continue
		}
		if _, err := c.Send(line); err != nil {
			notice("! send: %v", err)
		}
	}
}

func slashCommand(c *client.Client, line string, notice func(string, ...any)) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/q":
		return true
	case "/status":
		notice("· state=%s latency=%s queued=%d awaiting_reply=%d failed=%d",
			c.State(), c.Latency().Round(time.Millisecond), c.QueuedCount(), c.PendingCount(), len(c.FailedMessages()))
	case "/failed":
		failed := c.FailedMessages()
		if len(failed) == 0 {
			notice("· nothing failed")
			break
		}
		for _, m := range failed {
			notice("· %s %q (%d attempts, last error: %v)", shortID(m.ClientMessageID), m.Text, m.Attempts, m.LastError)
		}
	case "/retry":
		retryFailed(c, strings.TrimSpace(arg), notice)
	case "/help":
		notice("· commands: /status /failed /retry [id] /quit")
	default:
		notice("! unknown command %s (try /help)", cmd)
	}
	return false
}

func retryFailed(c *client.Client, arg string, notice func(string, ...any)) {
	failed := c.FailedMessages()
	if len(failed) == 0 {
		notice("· nothing to retry")
		return
	}
	for _, m := range failed {
		if arg != "" && !strings.HasPrefix(m.ClientMessageID, arg) {
			continue
		}
		if err := c.Retry(m.ClientMessageID); err != nil {
			notice("! retry %s: %v", shortID(m.ClientMessageID), err)
			continue
		}
		notice("· requeued %q", m.Text)
	}
}

// waitForReplies gives in-flight messages a chance to finish after
// stdin closes, so piped input still prints its answers.
func waitForReplies(c *client.Client, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.QueuedCount() == 0 && c.PendingCount() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func backoffPolicy(b config.Backoff) client.Policy {
	return client.Policy{
		BaseDelay:       b.BaseDelay,
		MaxDelay:        b.MaxDelay,
		Factor:          b.Factor,
		Jitter:          b.Jitter,
		MaxAttempts:     b.MaxAttempts,
		StabilityWindow: b.StabilityWindow,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// createSession asks the server for a fresh session over plain HTTP.
func createSession(serverURL, userID string) (string, error) {
	base, err := httpBaseURL(serverURL)
	if err != nil {
		return "", err
	}

	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(base+"/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Session.ID, nil
}

// httpBaseURL maps the websocket server URL to its HTTP counterpart.
func httpBaseURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return strings.TrimRight(u.String(), "/"), nil
}
