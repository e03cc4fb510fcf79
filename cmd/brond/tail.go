package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flitsinc/brons/internal/eventlog"
)

var (
	tailServer   string
	tailAfterSeq int64

	statusColor = color.New(color.FgYellow, color.Bold)
	bronColor   = color.New(color.FgCyan, color.Bold)
	toolColor   = color.New(color.FgMagenta)
	cardColor   = color.New(color.FgBlue)
	errorColor  = color.New(color.FgRed)
	warnColor   = color.New(color.FgYellow)
	dimColor    = color.New(color.Faint)
)

var tailCmd = &cobra.Command{
	Use:   "tail <run-id>",
	Short: "Follow the events of a run until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return tail(ctx, strings.TrimRight(tailServer, "/"), args[0], tailAfterSeq, cmd.OutOrStdout())
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailServer, "server", "http://localhost:8080", "brond base URL")
	tailCmd.Flags().Int64Var(&tailAfterSeq, "after", 0, "only show events after this sequence number")
}

type runInfo struct {
	Title    string `json:"title"`
	BronName string `json:"bron_name"`
}

type sseMessage struct {
	id    string
	event string
	data  string
}

// tail streams a run, reconnecting with Last-Event-ID when the
// connection drops before the run completes.
func tail(ctx context.Context, server, runID string, afterSeq int64, out io.Writer) error {
	var info runInfo
	if err := getJSON(ctx, server+"/api/runs/"+runID, &info); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s\n", bronColor.Sprint(info.BronName), info.Title, dimColor.Sprintf("(%s)", runID))

	lastID := ""
	if afterSeq > 0 {
		lastID = fmt.Sprint(afterSeq)
	}
	for {
		done, err := follow(ctx, server, runID, &lastID, info.BronName, out)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintln(out, warnColor.Sprintf("stream interrupted: %v; reconnecting", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func follow(ctx context.Context, server, runID string, lastID *string, bronName string, out io.Writer) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/api/runs/"+runID+"/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode == http.StatusNotFound, fmt.Errorf("stream: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var msg sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				msg.id = value
			case "event":
				msg.event = value
			case "data":
				msg.data = value
			}
			continue
		}
		if msg.event == "" {
			continue
		}
		if msg.id != "" {
			*lastID = msg.id
		}
		if printMessage(out, msg, bronName) {
			return true, nil
		}
		msg = sseMessage{}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, io.ErrUnexpectedEOF
}

// printMessage renders one stream message and reports whether the run is
// complete.
func printMessage(out io.Writer, msg sseMessage, bronName string) bool {
	switch msg.event {
	case "connected":
		return false
	case "complete":
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal([]byte(msg.data), &p)
		fmt.Fprintln(out, statusColor.Sprintf("run finished: %s", p.Status))
		return true
	case "error":
		fmt.Fprintln(out, errorColor.Sprint(msg.data))
		return false
	}

	var evt eventlog.Event
	if err := json.Unmarshal([]byte(msg.data), &evt); err != nil {
		fmt.Fprintln(out, errorColor.Sprintf("bad event: %v", err))
		return false
	}
	prefix := dimColor.Sprintf("%4d", evt.Seq)
	switch evt.Type {
	case eventlog.TypeStatus:
		var p eventlog.StatusPayload
		_ = evt.Decode(&p)
		fmt.Fprintf(out, "%s %s\n", prefix, statusColor.Sprint(p.Status))
	case eventlog.TypeLog:
		var p eventlog.LogPayload
		_ = evt.Decode(&p)
		line := p.Message
		switch p.Level {
		case eventlog.LevelError:
			line = errorColor.Sprint(line)
		case eventlog.LevelWarn:
			line = warnColor.Sprint(line)
		}
		fmt.Fprintf(out, "%s %s\n", prefix, line)
	case eventlog.TypeMessage:
		var p eventlog.MessagePayload
		_ = evt.Decode(&p)
		who := "you"
		if p.Role == "assistant" {
			who = bronColor.Sprint(bronName)
		}
		fmt.Fprintf(out, "%s %s: %s\n", prefix, who, p.Content)
	case eventlog.TypeTool:
		var p eventlog.ToolPayload
		_ = evt.Decode(&p)
		line := toolColor.Sprintf("%s %s", p.Name, p.Phase)
		if p.Error != "" {
			line += " " + errorColor.Sprint(p.Error)
		}
		fmt.Fprintf(out, "%s %s\n", prefix, line)
	case eventlog.TypeUI:
		var p eventlog.UIPayload
		_ = evt.Decode(&p)
		fmt.Fprintf(out, "%s %s\n", prefix, cardColor.Sprint(p.Kind))
	case eventlog.TypeChildRun:
		var p eventlog.ChildRunPayload
		_ = evt.Decode(&p)
		fmt.Fprintf(out, "%s child %s %q %s\n", prefix, p.ChildRunID, p.Title, statusColor.Sprint(p.Status))
	default:
		fmt.Fprintf(out, "%s %s %s\n", prefix, evt.Type, string(evt.Payload))
	}
	return false
}

func getJSON(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
