package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// printOutput 按指定格式输出响应数据
func printOutput(w io.Writer, format string, data []byte) error {
	if format == "json" {
		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err == nil {
			_, err := fmt.Fprintln(w, out.String())
			return err
		}
	}
	_, err := fmt.Fprintln(w, string(bytes.TrimSpace(data)))
	return err
}
