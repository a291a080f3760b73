// agentloopctl 是 agentloopd 的命令行客户端，基于 sdk/go/agentloop。
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"AgentLoop/sdk/go/agentloop"
)

var (
	serverAddr string
	apiKey     string
)

func main() {
	root := &cobra.Command{
		Use:          "agentloopctl",
		Short:        "管理 agentloopd 上的自主执行会话",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8080", "agentloopd 地址")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "调用方身份标识")

	root.AddCommand(newRunCmd(), newGetCmd(), newStopCmd(), newResumeCmd(), newForkCmd(), newToolsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() (*agentloop.Client, error) {
	return agentloop.NewClient(serverAddr, apiKey, nil)
}

func newRunCmd() *cobra.Command {
	var autonomous bool
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "创建会话并开始执行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			sess, err := client.CreateSession(cmd.Context(), args[0], autonomous)
			if err != nil {
				return err
			}
			fmt.Println("会话已创建:", sess.ID)
			if !wait {
				return nil
			}
			detail, err := client.WaitSession(cmd.Context(), sess.ID, time.Second)
			if err != nil {
				return err
			}
			fmt.Println("会话结束:", detail.Session.Status)
			return printJSON(detail)
		},
	}
	cmd.Flags().BoolVar(&autonomous, "autonomous", true, "自治模式，无需人工确认")
	cmd.Flags().BoolVar(&wait, "wait", false, "阻塞等待会话结束")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "查看会话详情",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			detail, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(detail)
		},
	}
}

func newStopCmd() *cobra.Command {
	var immediate bool
	var saveState bool
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "停止会话",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			err = client.StopSession(cmd.Context(), args[0], agentloop.StopRequest{
				Graceful:  !immediate,
				SaveState: saveState,
			})
			if err != nil {
				return err
			}
			fmt.Println("停止请求已受理")
			return nil
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "立即取消进行中的步骤")
	cmd.Flags().BoolVar(&saveState, "save-state", false, "停止前保存会话上下文")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id> <answer>",
		Short: "回答会话提问并继续执行",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.ResumeSession(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("会话已恢复")
			return nil
		},
	}
}

func newForkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fork <task-id>",
		Short: "查看子智能体任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			task, err := client.GetForkTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "列出守护进程注册的工具",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			tools, err := client.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(tools)
		},
	}
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
