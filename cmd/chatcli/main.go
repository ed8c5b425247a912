// Command chatcli is a line-oriented client for the conversation and AI
// channels.
//
//	chatcli chat -conversation c1
//	chatcli ai
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/suPer8Hu/chatcore/internal/aichat"
	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/config"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/transport/chatws"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, cfg, log, os.Args[2:])
	case "ai":
		err = runAI(ctx, cfg, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chatcli chat -conversation <id> | chatcli ai")
}

// readLines feeds stdin lines to onLine until ctx ends or stdin closes.
func readLines(ctx context.Context, onLine func(line string) bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !onLine(strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func runChat(ctx context.Context, cfg config.Config, log *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	conversationID := fs.String("conversation", "", "conversation id")
	self := fs.String("user", "", "own user id, used for cached history when offline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversationID == "" {
		return errors.New("-conversation is required")
	}

	cache := chat.OpenCache(cfg.CacheDSN, cfg.CacheMaxPerConversation, log)
	session := chatws.New(chatws.Config{
		URL:            cfg.ChatWSURL,
		Token:          cfg.AuthToken,
		ConversationID: *conversationID,
		PageSize:       cfg.ChatPageSize,
	}, log)
	defer session.Disconnect()

	if err := session.Connect(ctx); err != nil {
		fmt.Println(errStyle.Render("offline: " + err.Error()))
	}
	selfID := session.UserID()
	if selfID == "" {
		selfID = *self
	}

	tl := chat.NewTimeline(chat.TimelineConfig{
		ConversationID: *conversationID,
		SelfID:         selfID,
		PageSize:       cfg.ChatPageSize,
		TypingIdle:     cfg.TypingIdle,
	}, cache, session, log)
	defer tl.Close()

	tl.LoadCached(ctx)
	go tl.Run(ctx, session.Events())

	fmt.Print(renderTimeline(tl, selfID))
	fmt.Println(mutedStyle.Render("/older  /show  /quit"))

	readLines(ctx, func(line string) bool {
		switch line {
		case "":
			tl.Input("")
		case "/quit":
			return false
		case "/older":
			tl.LoadOlder(ctx)
		case "/show":
		default:
			tl.Input(line)
			if _, err := tl.Send(ctx, line, nil); err != nil {
				fmt.Println(errStyle.Render("send: " + err.Error()))
			}
		}
		fmt.Print(renderTimeline(tl, selfID))
		return true
	})
	return nil
}

func runAI(ctx context.Context, cfg config.Config, log *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("ai", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	session := aichat.New(aichat.Config{
		URL:           cfg.AIWSURL,
		Token:         cfg.AuthToken,
		ReconnectBase: cfg.AIReconnectBase,
		MaxReconnect:  cfg.AIMaxReconnect,
	}, log)
	defer session.Close()

	var listing atomic.Bool
	go watchAI(ctx, session.Store(), &listing)

	if err := session.Connect(ctx); err != nil {
		fmt.Println(errStyle.Render("connect: " + err.Error() + " (retrying)"))
	} else {
		listing.Store(true)
		_, _ = session.ListChats()
	}
	fmt.Println(mutedStyle.Render("/list  /new [title]  /open <id>  /title <text>  /reconnect  /quit"))

	readLines(ctx, func(line string) bool {
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "":
			return true
		case "/quit":
			return false
		case "/list":
			listing.Store(true)
			_, err = session.ListChats()
		case "/new":
			_, err = session.CreateChat(arg)
		case "/open":
			_, err = session.SelectChat(arg)
		case "/title":
			cur := session.Store().Snapshot().Current
			if cur == nil {
				err = aichat.ErrNoChat
				break
			}
			_, err = session.UpdateTitle(cur.ID, arg)
		case "/reconnect":
			err = session.Connect(ctx)
		default:
			_, err = session.SendMessage(line)
		}
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
		}
		return true
	})
	return nil
}

// watchAI prints store changes: streamed text as it grows, the chat list
// when a listing completes and errors as they appear.
func watchAI(ctx context.Context, st *aichat.Store, listing *atomic.Bool) {
	var (
		printed   int
		streaming bool
		currentID string
		lastErr   error
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.Changes():
		}
		snap := st.Snapshot()

		if snap.Streaming {
			if !streaming {
				streaming = true
				printed = 0
				fmt.Print(peerStyle.Render("assistant") + " ")
			}
			if len(snap.StreamBuffer) > printed {
				fmt.Print(snap.StreamBuffer[printed:])
				printed = len(snap.StreamBuffer)
			}
		} else if streaming {
			streaming = false
			fmt.Println()
		}

		if listing.Load() && !snap.LoadingChats {
			listing.Store(false)
			fmt.Println(renderChats(snap))
		}

		if snap.Current != nil && snap.Current.ID != currentID && !snap.LoadingChat {
			currentID = snap.Current.ID
			fmt.Println(headerStyle.Render(snap.Current.Title))
			for _, m := range snap.Current.Messages {
				fmt.Println(renderAIMessage(m))
			}
		}

		if snap.Err != nil && snap.Err != lastErr {
			msg := snap.Err.Error()
			if errors.Is(snap.Err, aichat.ErrReconnectExhausted) {
				msg += ", /reconnect to try again"
			}
			fmt.Println(errStyle.Render(msg))
		}
		lastErr = snap.Err
	}
}
