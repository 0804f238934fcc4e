package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/imerr"
	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/session"
	"chatsync/internal/storage"
	"chatsync/internal/store"
)

func main() {
	// 1. 加载环境变量与配置
	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用环境变量与默认值。")
	}
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 初始化日志
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	userID := os.Getenv("CHAT_USER_ID")
	if userID == "" {
		userID = "alice"
	}
	username := os.Getenv("CHAT_USERNAME")
	if username == "" {
		username = userID
	}

	// 3. 登录换取令牌
	token, err := login(cfg.Server.BaseURL, userID, username)
	if err != nil {
		sugar.Fatalf("登录失败: %v", err)
	}
	identity := auth.Identity{UserID: userID, Username: username, Token: token}

	// 4. 装配认证、通道、引擎与服务
	provider := auth.NewProvider()
	manager := session.NewManager(cfg.Server.WebSocketURL+cfg.Server.WebSocketPath, cfg.WebSocket, cfg.Reconnect, sugar)
	repo := storage.NewHTTPConversationRepository(cfg.Server.BaseURL, token, &http.Client{Timeout: 10 * time.Second})
	engine := store.NewStore(identity, manager, repo, cfg, sugar)

	manager.OnResubscribe(engine.ActiveRooms)
	manager.OnAuthFailure(func() {
		sugar.Warn("会话认证失效，已登出")
		provider.Logout()
	})
	manager.Bind(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	provider.Login(identity)

	convoService := services.NewConversationService(repo, engine, sugar)
	msgService := services.NewMessageService(manager, repo, engine, sugar)

	if err := engine.LoadConversations(ctx, ""); err != nil {
		sugar.Warnf("加载会话列表失败: %v", err)
	}

	// 5. 简易命令行交互
	go repl(ctx, userID, engine, convoService, msgService)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("收到退出信号，正在关闭……")
	provider.Logout()
	cancel()
}

// login 通过联调服务器换取 JWT 令牌。
func login(baseURL, userID, username string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "username": username})
	resp, err := http.Post(baseURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("登录返回状态码 %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// conversationLabel 返回会话的展示名：群聊用群名，私聊用对方的名字。
func conversationLabel(c models.Conversation, viewerID string) string {
	if !c.IsDirect() {
		return c.Name
	}
	for _, p := range c.OtherParticipants(viewerID) {
		if p.DisplayName != "" {
			return p.DisplayName
		}
		return p.UserID
	}
	return c.ID
}

// repl 读取标准输入执行命令，普通文本直接作为消息发送。
func repl(ctx context.Context, selfID string, engine *store.Store, convoService services.ConversationService, msgService services.MessageService) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("命令: /list  /switch <id>  /new <userId>  /group <name> <userId...>  /react <msgId> <emoji>  其他输入作为消息发送")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/list":
			for _, c := range engine.Conversations() {
				marker := " "
				if c.ID == engine.ActiveConversationID() {
					marker = "*"
				}
				fmt.Printf("%s %s  [%s]  %s\n", marker, c.ID, c.Type, conversationLabel(c, selfID))
			}

		case "/switch":
			if len(fields) < 2 {
				fmt.Println("用法: /switch <id>")
				continue
			}
			engine.SwitchActiveConversation(fields[1])

		case "/new":
			if len(fields) < 2 {
				fmt.Println("用法: /new <userId>")
				continue
			}
			id, err := convoService.CreateConversation(ctx, fields[1:2], models.DirectConversation, "")
			if err != nil {
				fmt.Println(imerr.UserMessage(err))
				continue
			}
			fmt.Println("已创建/切换到会话", id)

		case "/group":
			if len(fields) < 3 {
				fmt.Println("用法: /group <name> <userId...>")
				continue
			}
			id, err := convoService.CreateConversation(ctx, fields[2:], models.GroupConversation, fields[1])
			if err != nil {
				fmt.Println(imerr.UserMessage(err))
				continue
			}
			fmt.Println("已创建群聊", id)

		case "/react":
			if len(fields) < 3 {
				fmt.Println("用法: /react <msgId> <emoji>")
				continue
			}
			if err := engine.ToggleReaction(fields[1], fields[2]); err != nil {
				fmt.Println(imerr.UserMessage(err))
			}

		default:
			engine.KeyStroke()
			active := engine.ActiveConversationID()
			if active == "" {
				fmt.Println("尚未选择会话，先用 /list 和 /switch。")
				continue
			}
			if err := msgService.SendText(ctx, active, line); err != nil {
				fmt.Println(imerr.UserMessage(err))
			}
		}
	}
}
