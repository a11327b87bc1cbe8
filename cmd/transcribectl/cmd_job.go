package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// jobStatus 轮询时关心的任务字段
type jobStatus struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	Status       string `json:"status"`
	Progress     string `json:"progress"`
	ErrorMessage string `json:"error_message"`
}

func (j jobStatus) finished() bool {
	return j.Status == "completed" || j.Status == "error"
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "转写任务管理 (上传、查询、取消、删除、下载)",
	}
	cmd.AddCommand(newJobSubmitCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobStatusCmd())
	cmd.AddCommand(newJobCancelCmd())
	cmd.AddCommand(newJobDeleteCmd())
	cmd.AddCommand(newJobDownloadCmd())
	return cmd
}

func newJobSubmitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "submit <file>",
		Short: "上传媒体文件并创建转写任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)

			speakers, _ := cmd.Flags().GetBool("speakers")
			fields := map[string]string{"speaker_identification": strconv.FormatBool(speakers)}
			if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
				fields["diarization_backend"] = backend
			}

			resp, err := client.Upload("/api/v1/jobs", args[0], fields)
			if err != nil {
				return err
			}
			if wait, _ := cmd.Flags().GetBool("wait"); !wait {
				return printOutput(cmd.OutOrStdout(), cfg.Output, resp)
			}

			var job jobStatus
			if err := json.Unmarshal(resp, &job); err != nil {
				return fmt.Errorf("parse job: %w", err)
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			return waitForJob(cmd, client, job.ID, interval)
		},
	}
	c.Flags().Bool("speakers", false, "启用说话人识别")
	c.Flags().String("backend", "", "说话人识别后端: heuristic / external")
	c.Flags().Bool("wait", false, "等待任务结束")
	c.Flags().Duration("interval", 2*time.Second, "等待时的轮询间隔")
	return c
}

// waitForJob 轮询直到任务结束，进度变化时输出一行
func waitForJob(cmd *cobra.Command, client *APIClient, id string, interval time.Duration) error {
	out := cmd.OutOrStdout()
	last := ""
	for {
		data, err := client.Get("/api/v1/jobs/" + url.PathEscape(id))
		if err != nil {
			return err
		}
		var job jobStatus
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("parse job: %w", err)
		}
		if line := job.Status + ": " + job.Progress; line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if job.finished() {
			if job.Status == "error" {
				return errors.New(job.ErrorMessage)
			}
			return nil
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(interval):
		}
	}
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出所有任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			resp, err := NewAPIClient(cfg).Get("/api/v1/jobs")
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printOutput(cmd.OutOrStdout(), cfg.Output, resp)
			}
			var list struct {
				Jobs []jobStatus `json:"jobs"`
			}
			if err := json.Unmarshal(resp, &list); err != nil {
				return fmt.Errorf("parse jobs: %w", err)
			}
			for _, j := range list.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", j.ID, j.Status, j.FileName)
			}
			return nil
		},
	}
}

func newJobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "查询任务状态与转写文本",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			resp, err := NewAPIClient(cfg).Get("/api/v1/jobs/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), cfg.Output, resp)
		},
	}
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "取消未结束的任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			resp, err := NewAPIClient(cfg).Request(http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/cancel")
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), cfg.Output, resp)
		},
	}
}

func newJobDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "删除任务及其文件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			if _, err := NewAPIClient(cfg).Request(http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newJobDownloadCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "download <id>",
		Short: "下载转写结果 (txt/srt/vtt/json)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			format, _ := cmd.Flags().GetString("format")
			path := "/api/v1/jobs/" + url.PathEscape(args[0]) + "/transcript?format=" + url.QueryEscape(format)
			data, name, err := NewAPIClient(cfg).Download(path)
			if err != nil {
				return err
			}

			dest, _ := cmd.Flags().GetString("out")
			if dest == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if dest == "" {
				if name == "" {
					name = args[0] + "." + format
				}
				dest = filepath.Base(name)
			}
			if err := os.WriteFile(dest, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", dest, len(data))
			return nil
		},
	}
	c.Flags().String("format", "txt", "导出格式: txt / srt / vtt / json")
	c.Flags().String("out", "", "输出文件路径，- 表示标准输出（默认使用服务器建议的文件名）")
	return c
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "查看调度队列状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			resp, err := NewAPIClient(cfg).Get("/api/v1/queue")
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), cfg.Output, resp)
		},
	}
}
