package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Console is the interactive terminal of a client. Output is serialized since
// the reader and writer workers print concurrently.
type Console struct {
	in  io.Reader
	br  *bufio.Reader
	out io.Writer

	mutex sync.Mutex
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:    in,
		br:    bufio.NewReader(in),
		out:   out,
		mutex: sync.Mutex{},
	}
}

// ReadLine returns the next input line without its line ending. io.EOF is
// returned once input is exhausted and no partial line remains.
func (c *Console) ReadLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadPassword reads without echo when input is a terminal.
func (c *Console) ReadPassword(prompt string) (string, error) {
	c.Print(prompt)

	f, ok := c.in.(*os.File)
	if ok && term.IsTerminal(int(f.Fd())) {
		bytes, err := term.ReadPassword(int(f.Fd()))
		c.Println()
		if err != nil {
			return "", err
		}
		return string(bytes), nil
	}

	return c.ReadLine()
}

func (c *Console) Print(a ...any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	fmt.Fprint(c.out, a...)
}

func (c *Console) Println(a ...any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	fmt.Fprintln(c.out, a...)
}

func (c *Console) Printf(format string, a ...any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	fmt.Fprintf(c.out, format, a...)
}

// Notice prints a pushed notification.
func (c *Console) Notice(text string) {
	c.Println(color.CyanString("%s", text))
}

// Error prints a failure reported by the server or the connection.
func (c *Console) Error(text string) {
	c.Println(color.RedString("%s", text))
}
