package main

import (
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sagernet/wire"
	"github.com/sagernet/wire/common/log"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = log.NewLogger("wire-echo")

type flags struct {
	Listen  string
	NoDelay bool
	Verbose bool
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:   "wire-echo",
		Short: "UDP and TCP echo daemon built on the wire reactor",
		Run: func(cmd *cobra.Command, args []string) {
			run(f)
		},
	}

	command.Flags().StringVarP(&f.Listen, "listen", "l", "127.0.0.1:7777", "Set the listen address.")
	command.Flags().BoolVar(&f.NoDelay, "no-delay", false, "Disable send coalescing on TCP connections.")
	command.Flags().BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose mode.")

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

func run(f *flags) {
	if f.Verbose {
		logrus.SetLevel(logrus.TraceLevel)
	}

	listen, err := netip.ParseAddrPort(f.Listen)
	if err != nil {
		logger.Fatal("parse listen address: ", err)
	}

	echo := new(echoHandler)
	instance, err := wire.New(echo, wire.Options{NoDelay: f.NoDelay})
	if err != nil {
		logger.Fatal(err)
	}
	echo.instance = instance

	udpSocket, err := instance.UDPBind(listen, nil, 1024*1024)
	if err != nil {
		logger.Fatal(err)
	}
	tcpSocket, err := instance.TCPListen(listen, nil)
	if err != nil {
		logger.Fatal(err)
	}
	udpAddress, _ := instance.Address(udpSocket)
	tcpAddress, _ := instance.Address(tcpSocket)
	logger.Info("echoing udp on ", udpAddress, ", tcp on ", tcpAddress)

	var stop atomic.Bool
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		stop.Store(true)
		instance.Wake()
	}()

	for !stop.Load() {
		err = instance.Poll(time.Second)
		if err != nil {
			logger.Warn(err)
		}
	}
	logger.Info("shutting down")
	instance.Close()
}

type echoHandler struct {
	instance *wire.Wire
}

func (h *echoHandler) HandleDatagram(socket wire.Handle, context *any, source netip.AddrPort, data []byte) {
	logger.Trace("udp ", len(data), " bytes from ", source)
	err := h.instance.UDPSend(socket, source, data)
	if err != nil {
		logger.Debug("udp echo to ", source, ": ", err)
	}
}

func (h *echoHandler) HandleConnectResult(socket wire.Handle, context *any, success bool) {
}

func (h *echoHandler) HandleAccept(listener wire.Handle, conn wire.Handle, listenerContext *any, connContext *any, peer netip.AddrPort) {
	logger.Debug("accepted ", peer)
	*connContext = peer
}

func (h *echoHandler) HandleClosed(socket wire.Handle, context *any) {
	logger.Debug("closed ", *context)
}

func (h *echoHandler) HandleData(socket wire.Handle, context *any, data []byte) {
	logger.Trace("tcp ", len(data), " bytes from ", *context)
	n, err := h.instance.TCPSend(socket, data)
	if err != nil {
		logger.Debug("tcp echo to ", *context, ": ", err)
		return
	}
	if n < len(data) {
		// no internal buffering: drop what the kernel did not take
		logger.Debug("short echo to ", *context, ": ", n, " of ", len(data))
	}
}

func (h *echoHandler) HandleWritable(socket wire.Handle, context *any) {
}
