package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdin).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	var baseURL, token string
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "agentd API 客户端",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "api", apiBaseURL(), "API 地址（环境变量 AGENTD_API_URL）")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("AGENTD_TOKEN"), "JWT（环境变量 AGENTD_TOKEN）")
	cli := func() *client { return newClient(baseURL, token) }

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "agentctl %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "健康检查",
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := cli().health()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
				if out["status"] != "ok" {
					return fmt.Errorf("runtime is %v", out["status"])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "login <client_id> <client_secret>",
			Short: "获取 JWT，输出可直接用于 AGENTD_TOKEN",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				tok, err := cli().login(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			},
		},
		newAgentsCmd(cli),
		newSendCmd(cli),
		newChatCmd(cli, stdin),
		newReviewCmd(cli, "approve", "批准待审批事件"),
		newReviewCmd(cli, "reject", "拒绝待审批事件"),
		newTasksCmd(cli),
		&cobra.Command{
			Use:   "tools",
			Short: "列出工具及近期调用统计",
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := cli().listTools()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
				return nil
			},
		},
	)
	return root
}

func newAgentsCmd(cli func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "列出 Agent；子命令管理单个 Agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := cli().listAgents()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, a := range agents {
				fmt.Fprintf(w, "%v\t%v\tactive=%v\tqueue=%v\n", a["id"], a["status"], a["active"], a["queue_depth"])
			}
			return nil
		},
	}

	var name, instructions, heartbeat string
	var tools, approval []string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "注册 Agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"id":                 args[0],
				"name":               name,
				"instructions":       instructions,
				"tools":              tools,
				"heartbeat_interval": heartbeat,
				"approval_sources":   approval,
			}
			out, err := cli().createAgent(body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out["id"])
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "显示名")
	create.Flags().StringVar(&instructions, "instructions", "", "系统指令")
	create.Flags().StringVar(&heartbeat, "heartbeat", "", "心跳间隔，如 30m；off 关闭")
	create.Flags().StringSliceVar(&tools, "tool", nil, "允许使用的工具，可重复")
	create.Flags().StringSliceVar(&approval, "approval-source", nil, "需要审批的来源前缀，可重复")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Agent 队列、状态与最近结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cli().getAgent(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
			return nil
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "移除 Agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli().deleteAgent(args[0])
		},
	}
	cmd.AddCommand(create, show, del)
	for _, action := range []string{"start", "stop", "cancel"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: action + " Agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := cli().agentAction(args[0], action)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v\t%v\n", out["id"], out["status"])
				return nil
			},
		})
	}
	return cmd
}

func newSendCmd(cli func() *client) *cobra.Command {
	var sync bool
	var priority, session, wait string
	cmd := &cobra.Command{
		Use:   "send <agent_id> <message...>",
		Short: "提交消息；--sync 时等待结果",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"message":     strings.Join(args[1:], " "),
				"priority":    priority,
				"session_key": session,
			}
			if sync {
				body["mode"] = "sync"
				body["wait"] = wait
			}
			out, err := cli().sendMessage(args[0], body)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if res, ok := out["result"].(map[string]interface{}); ok {
				fmt.Fprintf(w, "[%v] %v\n", res["status"], res["response"])
				return nil
			}
			fmt.Fprintf(w, "%v\t%v\tqueue=%v\n", out["event_id"], out["status"], out["queue_depth"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "同步等待调用结果")
	cmd.Flags().StringVar(&priority, "priority", "", "high|normal|low，默认按来源")
	cmd.Flags().StringVar(&session, "session", "", "会话键")
	cmd.Flags().StringVar(&wait, "wait", "", "同步等待上限，如 2m")
	return cmd
}

func newChatCmd(cli func() *client, stdin io.Reader) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <agent_id>",
		Short: "交互式对话，每行同步提交一次，exit 退出",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cli()
			w := cmd.OutOrStdout()
			reader := bufio.NewReader(stdin)
			for {
				fmt.Fprint(w, "> ")
				line, err := reader.ReadString('\n')
				msg := strings.TrimSpace(line)
				if msg == "exit" || msg == "quit" {
					return nil
				}
				if msg != "" {
					out, serr := c.sendMessage(args[0], map[string]interface{}{
						"message": msg, "mode": "sync", "session_key": "chat:" + args[0],
					})
					if serr != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "发送失败: %v\n", serr)
					} else if res, ok := out["result"].(map[string]interface{}); ok {
						fmt.Fprintln(w, res["response"])
					}
				}
				if err != nil {
					return nil
				}
			}
		},
	}
}

func newReviewCmd(cli func() *client, decision, short string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <agent_id> <event_id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli().review(args[0], args[1], decision); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[1], decision)
			return nil
		},
	}
}

func newTasksCmd(cli func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "列出定时任务；子命令管理单个任务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := cli().listTasks()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range tasks {
				fmt.Fprintf(w, "%v\t%v\t%v\tenabled=%v\tnext=%v\n", t["id"], t["agent_id"], t["schedule"], t["enabled"], t["next_due"])
			}
			return nil
		},
	}
	var session string
	var disabled bool
	create := &cobra.Command{
		Use:   "create <id> <agent_id> <schedule> <message...>",
		Short: "添加定时任务，schedule 为 cron 表达式或 @every 5m",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cli().createTask(map[string]interface{}{
				"id":          args[0],
				"agent_id":    args[1],
				"schedule":    args[2],
				"message":     strings.Join(args[3:], " "),
				"session_key": session,
				"disabled":    disabled,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\tnext=%v\n", out["id"], out["next_due"])
			return nil
		},
	}
	create.Flags().StringVar(&session, "session", "", "会话键")
	create.Flags().BoolVar(&disabled, "disabled", false, "创建后不启用")
	cmd.AddCommand(create)
	for _, action := range []string{"trigger", "enable", "disable"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: action + " 定时任务",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := cli().taskAction(args[0], action)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v\tenabled=%v\n", out["id"], out["enabled"])
				return nil
			},
		})
	}
	return cmd
}
