package overseer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/just-every/magi/internal/agent"
	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/memory"
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/pkg/models"
)

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// tools builds the overseer's tool surface. Task and memory tools fold
// their results straight into the transcript as tool outputs.
func (o *Overseer) tools() []agent.Tool {
	tools := []agent.Tool{
		o.talkTool(),
		o.startTaskTool(),
		o.sendMessageTool(),
		o.taskStatusTool(),
		o.taskHealthTool(),
		o.waitForTaskTool(),
		o.thoughtDelayTool(),
	}
	if o.memories != nil {
		tools = append(tools, o.saveMemoryTool(), o.findMemoryTool(), o.deleteMemoryTool())
	}
	return tools
}

func (o *Overseer) talkTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        o.talkToolName(),
		ToolDescription: fmt.Sprintf("Send a message to %s. This is the only way your words reach them.", o.personName),
		ToolSchema: objectSchema([]string{"message"}, map[string]any{
			"message":    strProp("What to say, in plain prose."),
			"affect":     strProp("One-word mood, e.g. curious, focused."),
			"document":   strProp("Optional markdown attachment rendered alongside the message."),
			"incomplete": strProp("Set when you are replying before finishing the work."),
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			message := strings.TrimSpace(argString(args, "message"))
			if message == "" {
				return "", fmt.Errorf("message must not be empty")
			}
			if o.sender != nil {
				payload := map[string]any{
					"message": message,
					"affect":  argString(args, "affect"),
				}
				if doc := argString(args, "document"); doc != "" {
					payload["document"] = doc
				}
				o.sender.Send(models.NewMetadata("talk", payload))
			}
			return "Message delivered to " + o.personName + ".", nil
		},
	}
}

func (o *Overseer) startTaskTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "start_task",
		ToolDescription: "Launch a background task agent. Returns the new task id immediately.",
		ToolSchema: objectSchema([]string{"name", "task"}, map[string]any{
			"name":     strProp("Short human-readable task name."),
			"task":     strProp("Full description of what to do."),
			"context":  strProp("Background the task agent needs."),
			"warnings": strProp("Pitfalls to avoid."),
			"goal":     strProp("What done looks like."),
			"type":     strProp("Task flavour hint, e.g. research or code."),
			"project":  strProp("Comma-separated project ids to mount, at most 3."),
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			var projects []string
			if raw := argString(args, "project"); raw != "" {
				for _, p := range strings.Split(raw, ",") {
					if p = strings.TrimSpace(p); p != "" {
						projects = append(projects, p)
					}
				}
			}
			id, err := o.supervisor.StartTask(process.StartTaskArgs{
				Name:       argString(args, "name"),
				Task:       argString(args, "task"),
				Context:    argString(args, "context"),
				Warnings:   argString(args, "warnings"),
				Goal:       argString(args, "goal"),
				Type:       argString(args, "type"),
				ProjectIDs: projects,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Started task %s.", id), nil
		},
	}
}

func (o *Overseer) sendMessageTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "send_message",
		ToolDescription: "Send an instruction to a running task. Send \"stop\" to terminate it.",
		ToolSchema: objectSchema([]string{"task_id", "message"}, map[string]any{
			"task_id": strProp("The task id, e.g. AI-abc123."),
			"message": strProp("The instruction to deliver."),
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			id := argString(args, "task_id")
			if err := o.supervisor.SendMessage(id, argString(args, "message")); err != nil {
				return "", err
			}
			return fmt.Sprintf("Message sent to task %s.", id), nil
		},
	}
}

func (o *Overseer) taskStatusTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "get_task_status",
		ToolDescription: "Report one task's current status, output and errors.",
		ToolSchema: objectSchema([]string{"task_id"}, map[string]any{
			"task_id":  strProp("The task id to inspect."),
			"detailed": map[string]any{"type": "boolean", "description": "Include captured output and errors."},
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			detailed, _ := args["detailed"].(bool)
			return o.supervisor.TaskStatus(argString(args, "task_id"), detailed)
		},
	}
}

func (o *Overseer) taskHealthTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "check_all_task_health",
		ToolDescription: "List tasks that have made no observable progress recently.",
		ToolSchema:      objectSchema(nil, map[string]any{}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			stuck := o.supervisor.CheckAllTaskHealth()
			if len(stuck) == 0 {
				return "All tasks are healthy.", nil
			}
			return "Stuck tasks: " + strings.Join(stuck, ", "), nil
		},
	}
}

func (o *Overseer) waitForTaskTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "wait_for_running_task",
		ToolDescription: "Block until a task reaches a terminal state or the timeout elapses. Emits progress heartbeats while waiting.",
		ToolSchema: objectSchema([]string{"task_id"}, map[string]any{
			"task_id":         strProp("The task id to wait for."),
			"timeout_seconds": map[string]any{"type": "number", "description": "Maximum seconds to wait; defaults to 1800."},
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			var timeout time.Duration
			if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
			emit := func(ev *models.Event) {
				if o.sender != nil {
					o.sender.Send(ev)
				}
			}
			return o.supervisor.WaitForTask(ctx, argString(args, "task_id"), timeout, emit), nil
		},
	}
}

func (o *Overseer) thoughtDelayTool() agent.Tool {
	allowed := make([]string, 0, len(config.ThoughtDelays))
	for _, d := range config.ThoughtDelays {
		allowed = append(allowed, fmt.Sprintf("%d", d))
	}
	return &agent.FuncTool{
		ToolName:        "set_thought_delay",
		ToolDescription: "Change the pause between monologue turns. Allowed values: " + strings.Join(allowed, ", ") + " seconds.",
		ToolSchema: objectSchema([]string{"seconds"}, map[string]any{
			"seconds": map[string]any{"type": "integer", "description": "The new delay in seconds."},
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			secs, ok := args["seconds"].(float64)
			if !ok {
				return "", fmt.Errorf("seconds must be an integer")
			}
			if err := o.SetThoughtDelay(int(secs)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Thought delay is now %ds.", int(secs)), nil
		},
	}
}

var memoryTermProp = map[string]any{
	"type":        "string",
	"enum":        []string{string(memory.TermShort), string(memory.TermLong)},
	"description": "Memory horizon: short for the current session, long for durable facts.",
}

func (o *Overseer) saveMemoryTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "save_memory",
		ToolDescription: "Persist a note for later recall.",
		ToolSchema: objectSchema([]string{"term", "content"}, map[string]any{
			"term":    memoryTermProp,
			"content": strProp("The fact to remember, one sentence."),
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := o.memories.Save(ctx, memory.Term(argString(args, "term")), argString(args, "content"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved memory %d.", id), nil
		},
	}
}

func (o *Overseer) findMemoryTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "find_memory",
		ToolDescription: "Search stored memories. Multiple search terms are OR-combined.",
		ToolSchema: objectSchema([]string{"query"}, map[string]any{
			"query": strProp("Space-separated search terms."),
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			terms := strings.Fields(argString(args, "query"))
			if len(terms) == 0 {
				return "", fmt.Errorf("query must not be empty")
			}
			found, err := o.memories.Find(ctx, terms)
			if err != nil {
				return "", err
			}
			if len(found) == 0 {
				return "No matching memories.", nil
			}
			var b strings.Builder
			for _, m := range found {
				fmt.Fprintf(&b, "[%d %s] %s\n", m.ID, m.Term, m.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func (o *Overseer) deleteMemoryTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:        "delete_memory",
		ToolDescription: "Delete one stored memory by id.",
		ToolSchema: objectSchema([]string{"term", "id"}, map[string]any{
			"term": memoryTermProp,
			"id":   map[string]any{"type": "integer", "description": "The memory id to delete."},
		}),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			id, ok := args["id"].(float64)
			if !ok {
				return "", fmt.Errorf("id must be an integer")
			}
			if err := o.memories.Delete(ctx, memory.Term(argString(args, "term")), int64(id)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deleted memory %d.", int64(id)), nil
		},
	}
}
