package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

var errUsage = errors.New("usage: text | /ins POS TEXT | /del POS N | /grant USER | /reject USER | /show")

type editor interface {
	Insert(pos int, s string) error
	Delete(pos, n int) error
	Grant(userID string) error
	Reject(userID string) error
	Text() string
}

// console serializes writes from the command loop and the agent callbacks.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func readCommands(e editor, r io.Reader, out *console) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := execute(e, sc.Text(), out); err != nil {
			out.printf("error: %v\n", err)
		}
	}
	return sc.Err()
}

// execute runs one input line. Plain text is appended to the document.
func execute(e editor, line string, out *console) error {
	if !strings.HasPrefix(line, "/") {
		if line == "" {
			return nil
		}
		return e.Insert(utf8.RuneCountInString(e.Text()), line)
	}

	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "/ins":
		posArg, text, ok := strings.Cut(rest, " ")
		if !ok {
			return errUsage
		}
		pos, err := strconv.Atoi(posArg)
		if err != nil {
			return errUsage
		}
		return e.Insert(pos, text)
	case "/del":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return errUsage
		}
		pos, err := strconv.Atoi(args[0])
		if err != nil {
			return errUsage
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return errUsage
		}
		return e.Delete(pos, n)
	case "/grant", "/reject":
		user := strings.TrimSpace(rest)
		if user == "" {
			return errUsage
		}
		if name == "/grant" {
			return e.Grant(user)
		}
		return e.Reject(user)
	case "/show":
		out.printf("%s\n", e.Text())
		return nil
	}
	return errUsage
}
