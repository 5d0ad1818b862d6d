package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/wa-relay/webhook"
)

func newSignCmd() *cobra.Command {
	var (
		secret  string
		file    string
		target  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a webhook payload and optionally POST it",
		Long: `Compute the X-Hub-Signature-256 header for a payload. Without --file a
sample text message envelope is used. With --url the signed payload is
POSTed and the response is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("WHATSAPP_APP_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a secret is required: pass --secret or set WHATSAPP_APP_SECRET")
			}

			payload, err := readPayload(file, time.Now())
			if err != nil {
				return err
			}

			signature := webhook.Sign(secret, payload)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payload: %s\n", payload)
			fmt.Fprintf(out, "%s: %s\n", webhook.SignatureHeader, signature)

			if target == "" {
				return nil
			}

			status, body, err := postSigned(target, payload, signature, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "status: %d\n", status)
			fmt.Fprintf(out, "body: %s\n", body)
			return nil
		},
	}

	cmd.Flags().StringVarP(&secret, "secret", "s", "", "App secret (default $WHATSAPP_APP_SECRET)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Payload file, default is a sample text message")
	cmd.Flags().StringVar(&target, "url", "", "POST the signed payload to this webhook URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "HTTP timeout for --url")

	return cmd
}

func readPayload(path string, now time.Time) ([]byte, error) {
	if path == "" {
		return samplePayload(now)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

// samplePayload builds a single text message envelope
func samplePayload(now time.Time) ([]byte, error) {
	envelope := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id": "123456789",
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata": map[string]any{
						"display_phone_number": "1234567890",
						"phone_number_id":      "123456789",
					},
					"messages": []any{map[string]any{
						"from":      "521234567890",
						"id":        "wamid.test123",
						"timestamp": fmt.Sprint(now.Unix()),
						"type":      "text",
						"text":      map[string]any{"body": "Test message"},
					}},
				},
			}},
		}},
	}
	return json.Marshal(envelope)
}

func postSigned(url string, payload []byte, signature string, timeout time.Duration) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, signature)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
