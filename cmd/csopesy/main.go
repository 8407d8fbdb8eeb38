// Command csopesy is a REPL over the façade's command surface: read a
// line, dispatch it, print the reply. Modeled on cmd/kernel/main.go's
// bufio.NewReader(os.Stdin) loop and signal-trapped shutdown, adapted
// from a one-shot boot sequence into a persistent command loop since
// every operation here is driven by typed commands rather than fixed
// command-line arguments.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kalvex/csopesy-emu/internal/facade"
	"github.com/kalvex/csopesy-emu/internal/kernel"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	k := kernel.New(workDir, entry)
	f := facade.New(k, entry.WithField("component", "facade"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutting down")
		if k.Running() {
			k.Stop()
		}
		os.Exit(0)
	}()

	fmt.Println("csopesy-emu — type \"initialize <config.txt>\" to begin, \"exit\" to quit.")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			if k.Running() {
				k.Stop()
			}
			break
		}

		reply, err := f.Dispatch(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if reply != "" {
			fmt.Println(reply)
		}
	}
}
