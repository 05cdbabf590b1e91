package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeMonitor is a scripted QMP endpoint on a real unix socket.
type fakeMonitor struct {
	ln net.Listener
	// respond maps a command to its raw response line. Unknown commands
	// get an error member.
	respond map[string]string
	// skipGreeting makes the server open the connection silently.
	skipGreeting bool
	// events are written before the final command's response.
	events []string
}

func newFakeMonitor(t *testing.T) (*fakeMonitor, string) {
	t.Helper()
	// Use /tmp directly — t.TempDir() path may exceed Unix socket limit (104 chars).
	sock := filepath.Join("/tmp", fmt.Sprintf("vman-qmp-test-%d-%s.sock", os.Getpid(), t.Name()))
	t.Cleanup(func() { os.Remove(sock) })

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	f := &fakeMonitor{ln: ln, respond: map[string]string{}}
	go f.serve()
	return f, sock
}

func (f *fakeMonitor) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMonitor) handle(conn net.Conn) {
	defer conn.Close()
	if !f.skipGreeting {
		fmt.Fprintln(conn, `{"QMP":{"version":{"qemu":{"major":8}},"capabilities":[]}}`)
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var cmd struct {
			Execute string `json:"execute"`
		}
		if err := json.Unmarshal(line, &cmd); err != nil {
			return
		}
		if cmd.Execute == "qmp_capabilities" {
			fmt.Fprintln(conn, `{"return":{}}`)
			continue
		}
		for _, ev := range f.events {
			fmt.Fprintln(conn, ev)
		}
		if resp, ok := f.respond[cmd.Execute]; ok {
			fmt.Fprintln(conn, resp)
		} else {
			fmt.Fprintf(conn, `{"error":{"class":"CommandNotFound","desc":"The command %s has not been found"}}`+"\n", cmd.Execute)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	f, sock := newFakeMonitor(t)
	f.respond["system_powerdown"] = `{"return":{}}`

	c := NewClient(sock, time.Second)
	if err := SystemPowerdown(context.Background(), c); err != nil {
		t.Fatalf("powerdown: %v", err)
	}
}

func TestExecuteCommandError(t *testing.T) {
	_, sock := newFakeMonitor(t)

	c := NewClient(sock, time.Second)
	_, err := c.Execute(context.Background(), "bogus-command", nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestExecuteSkipsEvents(t *testing.T) {
	f, sock := newFakeMonitor(t)
	f.events = []string{`{"event":"SHUTDOWN","timestamp":{"seconds":1}}`}
	f.respond["query-block"] = `{"return":[{"device":"virtio-drive1","inserted":{"file":"/x.img","node-name":"drive1"}}]}`

	c := NewClient(sock, time.Second)
	devices, err := QueryBlock(context.Background(), c)
	if err != nil {
		t.Fatalf("query-block: %v", err)
	}
	if len(devices) != 1 || devices[0].File() != "/x.img" {
		t.Errorf("unexpected devices: %+v", devices)
	}
	if devices[0].Inserted.NodeName != "drive1" {
		t.Errorf("unexpected node name: %+v", devices[0].Inserted)
	}
}

func TestExecuteNoGreeting(t *testing.T) {
	f, sock := newFakeMonitor(t)
	f.skipGreeting = true
	f.respond["system_powerdown"] = `{"return":{}}`

	c := NewClient(sock, 500*time.Millisecond)
	// Without the greeting the first read either misparses or times out;
	// both must surface as protocol errors.
	_, err := c.Execute(context.Background(), "system_powerdown", nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestExecuteDialFailure(t *testing.T) {
	c := NewClient("/nonexistent/qmp.sock", 500*time.Millisecond)
	_, err := c.Execute(context.Background(), "system_powerdown", nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestBlockDeviceFileEjected(t *testing.T) {
	var b BlockDevice
	if b.File() != "" {
		t.Errorf("ejected device should report empty file, got %q", b.File())
	}
}
