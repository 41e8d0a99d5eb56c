package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"n8n-studio-client/internal/config"
	"n8n-studio-client/internal/controller"
	"n8n-studio-client/internal/model"
	"n8n-studio-client/internal/pkg/logger"
	"n8n-studio-client/internal/store"
	"n8n-studio-client/internal/websocket"
)

var (
	userColor      = color.New(color.FgCyan)
	assistantColor = color.New(color.FgGreen)
	systemColor    = color.New(color.FgRed)
	progressColor  = color.New(color.FgYellow)
	infoColor      = color.New(color.FgHiBlack)
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Logger (file only by default, keep the prompt clean;
	// STUDIO_DEBUG mirrors logs to the console)
	var appLogger logger.ILogger
	if cfg.App.Debug {
		appLogger = logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	} else {
		appLogger = logger.NewIsolatedLogger(cfg.App.LogFilePath)
	}
	defer appLogger.Sync()

	// 3. Restore Session State
	sessions := store.NewStore(cfg.Storage.SnapshotPath, appLogger)

	// 4. Shared Connection (owned here, handed to consumers)
	manager := websocket.NewManager(cfg, appLogger)
	manager.Connect()
	defer manager.Disconnect()

	// 5. Controller + API fallback
	api := controller.NewAPIClient(cfg, appLogger)
	chat := controller.NewChatController(sessions, manager, api, appLogger)
	chat.Start()
	defer chat.Stop()
	chat.EnsureSession()

	printer := newPrinter(sessions, chat)
	sessions.Subscribe(printer.onStoreChange)
	chat.Subscribe(printer.onTurnChange)

	fmt.Println("n8n Studio — workflow generation chat")
	infoColor.Println("Type a request to generate a workflow, or /help for commands.")
	printer.showSession(sessions.ActiveSession())

	// 6. Input Loop
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(line, sessions, chat, api, manager); quit {
				return
			}
			continue
		}

		if err := chat.Submit(context.Background(), line); err != nil {
			systemColor.Printf("! %v\n", err)
		}
	}
}

func runCommand(line string, sessions *store.Store, chat *controller.ChatController, api *controller.APIClient, manager *websocket.Manager) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		infoColor.Println("/new [title]  /sessions  /use <n>  /rename <title>  /delete  /templates  /health  /quit")

	case "/new":
		session := sessions.CreateSession(strings.Join(args, " "))
		infoColor.Printf("Created session %q\n", session.Title)

	case "/sessions":
		active := sessions.ActiveSessionId()
		for i, session := range sessions.Sessions() {
			marker := " "
			if session.Id == active {
				marker = "*"
			}
			fmt.Printf("%s %2d. %s (%d messages)\n", marker, i+1, session.Title, len(session.Messages))
		}

	case "/use":
		if len(args) != 1 {
			systemColor.Println("! usage: /use <n>")
			return false
		}
		idx, err := strconv.Atoi(args[0])
		list := sessions.Sessions()
		if err != nil || idx < 1 || idx > len(list) {
			systemColor.Println("! no such session")
			return false
		}
		if err := sessions.SetActiveSession(list[idx-1].Id); err != nil {
			systemColor.Printf("! %v\n", err)
			return false
		}
		fmt.Println()

	case "/rename":
		if len(args) == 0 {
			systemColor.Println("! usage: /rename <title>")
			return false
		}
		if id := sessions.ActiveSessionId(); id != uuid.Nil {
			if err := sessions.RenameSession(id, strings.Join(args, " ")); err != nil {
				systemColor.Printf("! %v\n", err)
			}
		}

	case "/delete":
		if id := sessions.ActiveSessionId(); id != uuid.Nil {
			if err := sessions.DeleteSession(id); err != nil {
				systemColor.Printf("! %v\n", err)
			}
		}

	case "/templates":
		templates, err := api.Templates(context.Background())
		if err != nil {
			systemColor.Printf("! %v\n", err)
			return false
		}
		for _, tpl := range templates {
			fmt.Printf("  %s [%s] — %s\n", tpl.Name, tpl.Category, tpl.Description)
		}

	case "/health":
		health, err := api.Health(context.Background())
		if err != nil {
			systemColor.Printf("! %v\n", err)
			return false
		}
		fmt.Printf("  server: %s\n", health.Status)
		for name, state := range health.Services {
			fmt.Printf("  %s: %v\n", name, state)
		}

	case "/quit", "/exit":
		return true

	default:
		status := manager.Status()
		systemColor.Printf("! unknown command %s (connected: %v)\n", cmd, status.Connected)
	}
	return false
}

// printer renders store changes incrementally: whatever was appended to the
// active session since the last render.
type printer struct {
	sessions *store.Store
	chat     *controller.ChatController

	mu        sync.Mutex
	seen      map[uuid.UUID]int
	lastStage string
	wasOnline bool
}

func newPrinter(sessions *store.Store, chat *controller.ChatController) *printer {
	return &printer{
		sessions: sessions,
		chat:     chat,
		seen:     map[uuid.UUID]int{},
	}
}

func (p *printer) onStoreChange() {
	session := p.sessions.ActiveSession()
	if session == nil {
		return
	}

	p.mu.Lock()
	from := p.seen[session.Id]
	p.seen[session.Id] = len(session.Messages)
	p.mu.Unlock()

	for _, msg := range session.Messages[from:] {
		printMessage(msg)
	}
}

func (p *printer) onTurnChange() {
	stage, fraction := p.chat.Progress()
	status := p.chat.ConnectionStatus()

	p.mu.Lock()
	stageChanged := stage != "" && stage != p.lastStage
	p.lastStage = stage
	onlineChanged := status.Connected != p.wasOnline
	p.wasOnline = status.Connected
	p.mu.Unlock()

	if stageChanged {
		progressColor.Printf("  … %s (%.0f%%)\n", stage, fraction*100)
	}
	if onlineChanged {
		if status.Connected {
			infoColor.Println("[connected]")
		} else if status.Err != "" {
			systemColor.Printf("[connection failed: %s]\n", status.Err)
		} else {
			infoColor.Println("[disconnected]")
		}
	}
}

// showSession replays an existing transcript on startup.
func (p *printer) showSession(session *model.Session) {
	if session == nil {
		return
	}
	infoColor.Printf("-- %s --\n", session.Title)
	for _, msg := range session.Messages {
		printMessage(msg)
	}
	p.mu.Lock()
	p.seen[session.Id] = len(session.Messages)
	p.mu.Unlock()
}

func printMessage(msg model.ChatMessage) {
	switch msg.Role {
	case model.RoleUser:
		userColor.Printf("you> %s\n", msg.Content)
	case model.RoleAssistant:
		assistantColor.Println(msg.Content)
		if msg.Metadata != nil && msg.Metadata.Confidence > 0 {
			infoColor.Printf("  confidence %.2f, %d documents\n",
				msg.Metadata.Confidence, len(msg.Metadata.RetrievedDocuments))
		}
	case model.RoleSystem:
		systemColor.Printf("[error] %s\n", msg.Content)
	}
}
