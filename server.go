package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"iriscache/cacheerr"
	"iriscache/engine"
	"iriscache/topology"
)

// client is one connection speaking the line protocol. Each line is a
// command; every command is answered with at least one line.
type client struct {
	id      string
	conn    net.Conn
	cache   topology.Cache
	timeout time.Duration
}

func handleConnection(conn net.Conn, cache topology.Cache, timeout time.Duration) {
	defer conn.Close()
	c := &client{id: uuid.NewString(), conn: conn, cache: cache, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := cache.UpdateClientStatus(ctx, c.id, true); err != nil {
		log.Printf("[WARN] client %s: announcing connection: %v", c.id, err)
	}
	cancel()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cache.UpdateClientStatus(ctx, c.id, false); err != nil {
			log.Printf("[WARN] client %s: announcing disconnect: %v", c.id, err)
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("Reading err: %s", err.Error())
			}
			break
		}
		if quit := c.handleCommand(strings.TrimSpace(line)); quit {
			return
		}
	}
}

func (c *client) write(format string, args ...any) {
	fmt.Fprintf(c.conn, format+"\n", args...)
}

func (c *client) writeErr(op string, err error) {
	switch {
	case errors.Is(err, cacheerr.ErrLocking):
		c.write("LOCKED %s", err)
	case errors.Is(err, cacheerr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		c.write("ERR %s timed out", op)
	default:
		c.write("ERR %s failed: %s", op, err)
	}
}

// handleCommand runs one command and reports whether the connection should
// be closed.
func (c *client) handleCommand(cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		c.write("ERR empty command")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) != 3 {
			c.write("ERR usage: SET KEY value")
			return false
		}
		if _, err := c.cache.Insert(ctx, parts[1], engine.NewEntry([]byte(parts[2])), nil); err != nil {
			c.writeErr("write", err)
			return false
		}
		c.write("OK")
	case "ADD":
		if len(parts) != 3 {
			c.write("ERR usage: ADD KEY value")
			return false
		}
		res, err := c.cache.Add(ctx, parts[1], engine.NewEntry([]byte(parts[2])), nil)
		switch {
		case err != nil:
			c.writeErr("write", err)
		case res == engine.AddKeyExists:
			c.write("EXISTS")
		default:
			c.write("OK")
		}
	case "GET":
		if len(parts) != 2 {
			c.write("ERR usage: GET KEY")
			return false
		}
		e, err := c.cache.Get(ctx, parts[1], nil)
		switch {
		case err != nil:
			c.writeErr("read", err)
		case e == nil:
			c.write("NOTFOUND")
		default:
			c.write("%s", e.Value)
		}
	case "MGET":
		if len(parts) < 2 {
			c.write("ERR usage: MGET KEY [KEY ...]")
			return false
		}
		keys := parts[1:]
		found, failed := c.cache.GetBulk(ctx, keys, nil)
		for _, key := range keys {
			if err, ok := failed[key]; ok {
				c.write("%s ERR %s", key, err)
			} else if e, ok := found[key]; ok {
				c.write("%s %s", key, e.Value)
			} else {
				c.write("%s NOTFOUND", key)
			}
		}
	case "DEL":
		if len(parts) != 2 {
			c.write("ERR usage: DEL KEY")
			return false
		}
		old, err := c.cache.Remove(ctx, parts[1], nil)
		switch {
		case err != nil:
			c.writeErr("delete", err)
		case old == nil:
			c.write("NOTFOUND")
		default:
			c.write("OK")
		}
	case "EXISTS":
		if len(parts) != 2 {
			c.write("ERR usage: EXISTS KEY")
			return false
		}
		found, err := c.cache.Contains(ctx, parts[1], nil)
		if err != nil {
			c.writeErr("read", err)
			return false
		}
		if found {
			c.write("1")
		} else {
			c.write("0")
		}
	case "COUNT":
		n, err := c.cache.Count(ctx)
		if err != nil {
			c.writeErr("count", err)
			return false
		}
		c.write("%d", n)
	case "KEYS":
		pattern := "*"
		if len(parts) > 1 {
			pattern = parts[1]
		}
		keys, err := c.cache.Search(ctx, pattern)
		if err != nil {
			c.writeErr("search", err)
			return false
		}
		c.write("%d", len(keys))
		for _, key := range keys {
			c.write("%s", key)
		}
	case "CLEAR":
		if err := c.cache.Clear(ctx, nil); err != nil {
			c.writeErr("clear", err)
			return false
		}
		c.write("OK")
	case "LOCK":
		if len(parts) != 2 {
			c.write("ERR usage: LOCK KEY")
			return false
		}
		info, err := c.cache.Lock(ctx, parts[1], engine.NewLockID())
		switch {
		case err != nil:
			c.writeErr("lock", err)
		case !info.Locked:
			c.write("NOTFOUND")
		case info.Acquired:
			c.write("OK %s", info.LockID)
		default:
			c.write("LOCKED %s", info.LockID)
		}
	case "UNLOCK":
		if len(parts) != 3 {
			c.write("ERR usage: UNLOCK KEY lockid")
			return false
		}
		if err := c.cache.Unlock(ctx, parts[1], parts[2], false); err != nil {
			c.writeErr("unlock", err)
			return false
		}
		c.write("OK")
	case "BALANCE":
		res, err := c.cache.Balance(ctx)
		if err != nil {
			c.writeErr("balance", err)
			return false
		}
		c.write("%s", res)
	case "STATS":
		c.writeStats()
	case "LEAVE":
		if err := c.cache.Leave(ctx); err != nil {
			c.writeErr("leave", err)
			return false
		}
		c.write("OK")
		return true
	case "QUIT":
		c.write("BYE")
		return true
	default:
		c.write("ERR unknown command %s", strconv.Quote(parts[0]))
	}
	return false
}

// writeStats prints one line per known server followed by END.
func (c *client) writeStats() {
	self := c.cache.LocalAddress()
	c.write("NODE %s %s servers=%d", self, c.cache.Status(), len(c.cache.Servers()))
	for _, info := range c.cache.NodeStats() {
		c.write("MEMBER %s status=%s count=%d size=%d clients=%d transfer=%t cpu=%.1f mem=%.1f",
			info.Address, info.Status, info.Statistics.Count, info.Statistics.DataSize,
			len(info.ConnectedClients), info.InStateTransfer, info.Host.CPUPercent, info.Host.MemoryPercent)
	}
	c.write("END")
}
