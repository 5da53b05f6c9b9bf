package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/agent"
)

// AgentRuntime 是诊断接口依赖的最小 Runtime 能力，测试中可替换。
type AgentRuntime interface {
	Status() agent.Status
	Message(ctx context.Context, command string) (agent.MessageResult, error)
}

type messagePayload struct {
	Command string `json:"command"`
}

// RegisterAgentRoutes 暴露 /-/agent/status 与 /-/agent/message。
func RegisterAgentRoutes(app *fiber.App, runtime AgentRuntime) {
	if app == nil || runtime == nil {
		return
	}

	app.Get("/-/agent/status", func(c fiber.Ctx) error {
		return c.JSON(runtime.Status())
	})

	app.Post("/-/agent/message", func(c fiber.Ctx) error {
		command, ok := parseCommand(c.Body(), c.Get(fiber.HeaderContentType))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if command == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "command_required"})
		}

		result, err := runtime.Message(c.Context(), command)
		switch {
		case err == nil:
			return c.JSON(result)
		case errors.Is(err, agent.ErrUnknownCommand):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_command", "command": command})
		case errors.Is(err, agent.ErrNotActive):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "agent_not_active"})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "download_failed",
				"message": err.Error(),
				"result":  result,
			})
		}
	})
}

// parseCommand 接受纯文本命令或 {"command": "..."} 形式的 JSON。
func parseCommand(body []byte, contentType string) (string, bool) {
	raw := strings.TrimSpace(string(body))
	if strings.HasPrefix(strings.ToLower(contentType), fiber.MIMEApplicationJSON) || strings.HasPrefix(raw, "{") {
		var payload messagePayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return "", false
		}
		return strings.TrimSpace(payload.Command), true
	}
	return raw, true
}
