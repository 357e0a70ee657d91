package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/util"
)

const usage = `usage:
  gpscli watch [--url ws://localhost:5024/ws] [--imei ID]
  gpscli send [--url ws://localhost:5024/ws] <imei> <command>
  gpscli hashtoken [token]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "watch":
		err = watch(ctx, os.Args[2:])
	case "send":
		err = send(ctx, os.Args[2:])
	case "hashtoken":
		err = hashtoken(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ExitOnError)
	url := fs.String("url", "ws://localhost:5024/ws", "viewer websocket url")
	imei := fs.String("imei", "", "only print reports from this device")
	_ = fs.Parse(args)

	c, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		return err
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	for {
		var r device.Report
		if err := wsjson.Read(ctx, c, &r); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if *imei != "" && r.IMEI != *imei {
			continue
		}
		fmt.Printf("%s %s lat=%.6f lon=%.6f speed=%.1f heading=%.1f\n",
			r.Timestamp.Format(device.TimestampLayout), r.IMEI, r.Latitude, r.Longitude, r.Speed, r.Heading)
	}
}

func send(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ExitOnError)
	url := fs.String("url", "ws://localhost:5024/ws", "viewer websocket url")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("send needs <imei> <command>")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		return err
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	env := command.Envelope{Type: command.KIND_COMMAND, IMEI: fs.Arg(0), Command: fs.Arg(1)}
	return wsjson.Write(ctx, c, env)
}

func hashtoken(args []string) error {
	token := ""
	if len(args) > 0 {
		token = args[0]
	} else {
		token = util.GenRandomString(nil, 24)
		fmt.Println("token:", token)
	}
	h, err := util.HashToken(token, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}
