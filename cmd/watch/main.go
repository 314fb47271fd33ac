package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/recetteo/listes/pkg/diff"
	"github.com/recetteo/listes/pkg/model"
	"github.com/recetteo/listes/pkg/syncagent"
)

type config struct {
	Server string `toml:"server"`
	List   string `toml:"list"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Server: "http://localhost:8080"}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "watch.toml", "path to an optional config file")
	serverVar := flag.String("server", "", "the server base url, overrides the config file")
	listVar := flag.String("list", "", "the list name to watch, overrides the config file")
	flag.Parse()

	cfg, err := loadConfig(*configVar)
	if err != nil {
		return err
	}
	if *serverVar != "" {
		cfg.Server = *serverVar
	}
	if *listVar != "" {
		cfg.List = *listVar
	}

	listID := "default"
	if cfg.List != "" {
		listID = model.DeriveListID(cfg.List)
	}

	agent, err := syncagent.New(syncagent.Config{
		URL: cfg.Server,
		OnChanges: func(changes []diff.Change) {
			for _, c := range changes {
				fmt.Println(c.String())
			}
		},
		OnState: func(s syncagent.State) {
			slog.Info("sync state changed", "state", s.String())
		},
	})
	if err != nil {
		return err
	}

	agent.Connect(listID)
	defer agent.Disconnect()

	go readCommands(agent)

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	return nil
}

// readCommands applies simple stdin edits to the local state; the agent
// publishes each genuine change to the server.
//
//	add <label> @<category>
//	done <label>
//	rm <label>
func readCommands(agent *syncagent.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch verb {
		case "add":
			label, category, _ := strings.Cut(rest, "@")
			addItem(agent, strings.TrimSpace(label), strings.TrimSpace(category))
		case "done":
			toggleDone(agent, rest)
		case "rm":
			removeItem(agent, rest)
		default:
			fmt.Println("commands: add <label> @<category> | done <label> | rm <label>")
		}
	}
}

func addItem(agent *syncagent.Agent, label, category string) {
	if label == "" {
		return
	}
	items := agent.Items.Get()
	nextID := 1
	for _, it := range items {
		if it.ID >= nextID {
			nextID = it.ID + 1
		}
	}
	color := "#fff"
	for _, c := range agent.Categories.Get() {
		if c.Label == category {
			color = c.Color
			break
		}
	}
	agent.Items.Set(append(items, model.Item{ID: nextID, Label: label, Category: category, Color: color}))
}

func toggleDone(agent *syncagent.Agent, label string) {
	items := agent.Items.Get()
	for i := range items {
		if items[i].Label == label {
			items[i].Done = !items[i].Done
		}
	}
	agent.Items.Set(items)
}

func removeItem(agent *syncagent.Agent, label string) {
	items := agent.Items.Get()
	kept := items[:0]
	for _, it := range items {
		if it.Label != label {
			kept = append(kept, it)
		}
	}
	agent.Items.Set(kept)
}
