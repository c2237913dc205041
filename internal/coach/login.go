package coach

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/suPer8Hu/growth-lab/internal/stream"
)

type loginCommander struct {
	endpoint string
	email    string
	password string

	in  io.Reader
	out io.Writer
}

func NewLoginCmd() *cobra.Command {
	cmder := &loginCommander{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.endpoint = baseURL(cmd)
			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()
			return cmder.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cmder.email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&cmder.password, "password", "p", "", "password (read from stdin when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *loginCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.password == "" {
		fmt.Fprint(c.out, "password: ")
		line, err := bufio.NewReader(c.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		c.password = strings.TrimRight(line, "\r\n")
	}

	token, err := login(ctx, c.endpoint, c.email, c.password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "export COACH_TOKEN=%s\n", token)
	return nil
}

// login posts the credentials and returns data.token from the envelope.
func login(ctx context.Context, endpoint, email, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &stream.StatusError{StatusCode: resp.StatusCode, Message: msg, Endpoint: endpoint + "/login"}
	}
	token := gjson.GetBytes(raw, "data.token").String()
	if token == "" {
		return "", errors.New("login response without token")
	}
	return token, nil
}
