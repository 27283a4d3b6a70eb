// Command docgen builds the API reference from the @Title/@Route/
// @Description/@Response comments on the HTTP handlers.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

// Method returns the HTTP method part of the route.
func (e Endpoint) Method() string {
	method, _, _ := strings.Cut(e.Route, " ")
	return method
}

// Path returns the route without its method.
func (e Endpoint) Path() string {
	_, path, _ := strings.Cut(e.Route, " ")
	return path
}

var (
	reTitle = regexp.MustCompile(`^// @Title: (.*)`)
	reRoute = regexp.MustCompile(`^// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`^// @Description: (.*)`)
	reResp  = regexp.MustCompile(`^// @Response: (.*)`)
)

func main() {
	src := flag.String("src", "internal/api", "directory of annotated handlers")
	out := flag.String("out", "internal/docs/content/api.adoc", "output AsciiDoc file")
	flag.Parse()

	endpoints, err := parseDir(*src)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	var buf bytes.Buffer
	writeAsciiDoc(&buf, endpoints)
	if err := os.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
		log.Fatalf("ERROR: write %s: %v", *out, err)
	}
	fmt.Printf("Generated %s (%d endpoints)\n", *out, len(endpoints))
}

// parseDir reads every non-test Go file in dir in name order.
func parseDir(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		found, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		endpoints = append(endpoints, found...)
	}
	return endpoints, nil
}

// parse collects annotation blocks. @Response closes a block.
func parse(r io.Reader) ([]Endpoint, error) {
	var (
		endpoints []Endpoint
		current   Endpoint
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func writeAsciiDoc(w io.Writer, endpoints []Endpoint) {
	fmt.Fprintln(w, "= API Reference")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Generated by `go run ./cmd/docgen` from the handler comments in `internal/api`.")
	fmt.Fprintln(w, "Request and response bodies are JSON unless noted.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, `[cols="1,3,4"]`)
	fmt.Fprintln(w, "|===")
	fmt.Fprintln(w, "|Method |Path |Summary")
	for _, ep := range endpoints {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "|%s |`%s` |%s\n", ep.Method(), ep.Path(), ep.Title)
	}
	fmt.Fprintln(w, "|===")

	for _, ep := range endpoints {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "== %s\n\n", ep.Title)
		fmt.Fprintf(w, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(w, "%s\n\n", ep.Description)
		}
		fmt.Fprintf(w, "Response:: %s\n", ep.Response)
	}
}
