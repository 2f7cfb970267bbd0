package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// errQuit is returned by runCommand for /quit.
var errQuit = errors.New("quit")

const consoleHelp = `/file <path>              send a file to the peer
/peer [ip]                show or set the destination address
/nick [name]              show or set the nickname
/resolve <ip>             resolve a link address
/arp                      show learned bindings
/proxy add <ip> <mac>     answer requests for ip with mac
/proxy del <ip>           stop answering for ip
/proxy                    list proxied addresses
/announce                 broadcast a gratuitous binding
/quit                     exit
anything else is sent as a chat message`

const resolveTimeout = 5 * time.Second

// runCommand executes one console line.
func runCommand(ctx context.Context, client ChatClient, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return client.Say(ctx, line)
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	info := pterm.Info.WithWriter(out)
	success := pterm.Success.WithWriter(out)

	switch name {
	case "/quit", "/exit":
		return errQuit

	case "/help":
		fmt.Fprintln(out, consoleHelp)
		return nil

	case "/file":
		if len(args) != 1 {
			return fmt.Errorf("usage: /file <path>")
		}
		if err := client.SendFile(ctx, args[0]); err != nil {
			return err
		}
		success.Printfln("sent %s to %s", args[0], client.Peer())
		return nil

	case "/peer":
		if len(args) == 0 {
			info.Printfln("peer is %s", client.Peer())
			return nil
		}
		ip, err := core.ParseNetAddr(args[0])
		if err != nil {
			return err
		}
		client.SetPeer(ip)
		success.Printfln("peer set to %s", ip)
		return nil

	case "/nick":
		if len(args) == 0 {
			info.Printfln("nickname is %s", client.Nickname())
			return nil
		}
		client.SetNickname(strings.Join(args, " "))
		success.Printfln("nickname set to %s", client.Nickname())
		return nil

	case "/resolve":
		if len(args) != 1 {
			return fmt.Errorf("usage: /resolve <ip>")
		}
		ip, err := core.ParseNetAddr(args[0])
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		mac, err := client.Resolve(rctx, ip)
		if err != nil {
			return err
		}
		success.Printfln("%s is at %s", ip, mac)
		return nil

	case "/arp":
		return renderBindings(out, client.Cache())

	case "/announce":
		if err := client.Announce(); err != nil {
			return err
		}
		success.Println("announcement sent")
		return nil

	case "/proxy":
		return runProxy(client, args, out)

	default:
		return fmt.Errorf("unknown command %s, try /help", name)
	}
}

func runProxy(client ChatClient, args []string, out io.Writer) error {
	if len(args) == 0 {
		return renderBindings(out, client.Proxies())
	}
	switch args[0] {
	case "add":
		if len(args) != 3 {
			return fmt.Errorf("usage: /proxy add <ip> <mac>")
		}
		ip, err := core.ParseNetAddr(args[1])
		if err != nil {
			return err
		}
		mac, err := core.ParseLinkAddr(args[2])
		if err != nil {
			return err
		}
		client.AddProxy(ip, mac)
		pterm.Success.WithWriter(out).Printfln("answering for %s with %s", ip, mac)
		return nil
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: /proxy del <ip>")
		}
		ip, err := core.ParseNetAddr(args[1])
		if err != nil {
			return err
		}
		if !client.RemoveProxy(ip) {
			return fmt.Errorf("no proxy entry for %s", ip)
		}
		pterm.Success.WithWriter(out).Printfln("no longer answering for %s", ip)
		return nil
	default:
		return fmt.Errorf("usage: /proxy [add <ip> <mac> | del <ip>]")
	}
}

// renderBindings prints an address table sorted by network address.
func renderBindings(out io.Writer, bindings map[core.NetAddr]core.LinkAddr) error {
	if len(bindings) == 0 {
		pterm.Info.WithWriter(out).Println("no entries")
		return nil
	}
	ips := make([]core.NetAddr, 0, len(bindings))
	for ip := range bindings {
		ips = append(ips, ip)
	}
	slices.SortFunc(ips, func(a, b core.NetAddr) int { return a.Addr().Compare(b.Addr()) })

	data := pterm.TableData{{"IP", "MAC"}}
	for _, ip := range ips {
		data = append(data, []string{ip.String(), bindings[ip].String()})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}
