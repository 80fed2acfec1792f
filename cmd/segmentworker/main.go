// Command segmentworker is a sentence segmentation worker speaking the bridge's
// line protocol on stdin and stdout. It uses the builtin rule-based splitter and
// can stand in for a model-backed worker.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ent0n29/avatarbridge/internal/segmenter"
)

func main() {
	framingRaw := flag.String("framing", "fifo", "request framing: fifo or tagged")
	flag.Parse()

	framing, err := segmenter.ParseFraming(*framingRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "segmentworker: %v\n", err)
		os.Exit(2)
	}

	// Diagnostic lines are not JSON, so the bridge discards them.
	fmt.Fprintf(os.Stdout, "[INFO] segmentworker ready (framing=%s)\n", framing)

	split := func(text string) ([]string, error) {
		return segmenter.SplitSentences(text), nil
	}
	if err := segmenter.Serve(os.Stdin, os.Stdout, framing, split); err != nil {
		fmt.Fprintf(os.Stderr, "segmentworker: %v\n", err)
		os.Exit(1)
	}
}
