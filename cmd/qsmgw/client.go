package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qsmgw/internal/api"
	"github.com/mattjoyce/qsmgw/internal/tui/watch"
)

// uploadFile is one file of a directory upload and the relative path the
// gateway should recreate it at.
type uploadFile struct {
	path    string
	relPath string
}

// collectTree lists every regular file under dir. Relative paths are rooted at
// dir's base name, the way a browser folder picker reports them.
func collectTree(dir string) ([]uploadFile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	base := filepath.Base(abs)
	var files []uploadFile
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		files = append(files, uploadFile{path: path, relPath: filepath.ToSlash(filepath.Join(base, rel))})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })
	return files, nil
}

// writeRunStart streams the run_start multipart body into mw.
func writeRunStart(mw *multipart.Writer, mag, ph []uploadFile, opts map[string]string) error {
	write := func(filesField, pathsField string, files []uploadFile) error {
		for _, f := range files {
			part, err := mw.CreateFormFile(filesField, filepath.Base(f.path))
			if err != nil {
				return err
			}
			src, err := os.Open(f.path)
			if err != nil {
				return err
			}
			_, err = io.Copy(part, src)
			src.Close()
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.path, err)
			}
			if err := mw.WriteField(pathsField, f.relPath); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write("mag_files", "mag_paths", mag); err != nil {
		return err
	}
	if err := write("ph_files", "ph_paths", ph); err != nil {
		return err
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, opts[k]); err != nil {
			return err
		}
	}
	return mw.Close()
}

func submitRun(ctx context.Context, baseURL, magDir, phDir string, opts map[string]string) (api.RunStartResponse, error) {
	var out api.RunStartResponse
	mag, err := collectTree(magDir)
	if err != nil {
		return out, fmt.Errorf("magnitude input: %w", err)
	}
	ph, err := collectTree(phDir)
	if err != nil {
		return out, fmt.Errorf("phase input: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeRunStart(mw, mag, ph, opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/run_start", pr)
	if err != nil {
		pr.Close()
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		pr.Close()
		return out, err
	}
	defer resp.Body.Close()
	if err := decodeResponse(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getStatus(ctx context.Context, baseURL, id string) (api.StatusResponse, error) {
	var out api.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/status/"+id, nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	return out, decodeResponse(resp, &out)
}

// waitTerminal polls status until the session finishes or ctx is done.
func waitTerminal(ctx context.Context, baseURL, id string, every time.Duration) (api.StatusResponse, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := getStatus(ctx, baseURL, id)
		if err != nil {
			return st, err
		}
		switch st.Status {
		case "done", "error", "stopped":
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printStatus(w io.Writer, st api.StatusResponse, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(w, "session: %s\nstatus:  %s\n", st.SessionID, st.Status)
	if st.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", st.Error)
	}
	if st.DownloadURL != "" {
		fmt.Fprintf(w, "output:  %s\n", st.DownloadURL)
	}
	if st.Digest != "" {
		fmt.Fprintf(w, "blake3:  %s\n", st.Digest)
	}
	return nil
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var (
		magDir, phDir string
		opts          map[string]string
		wait, follow  bool
	)
	cmd := &cobra.Command{
		Use:   "submit --mag DIR --ph DIR",
		Short: "Upload a magnitude and a phase DICOM tree and start a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := submitRun(ctx, g.baseURL(), magDir, phDir, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.OK {
				fmt.Fprintf(out, "session %s rejected: %s\n", res.SessionID, res.Error)
				return fmt.Errorf("session %s not started", res.SessionID)
			}
			fmt.Fprintf(out, "session %s %s\n", res.SessionID, res.Status)

			switch {
			case follow:
				return watch.Run(ctx, g.baseURL(), res.SessionID)
			case wait:
				st, err := waitTerminal(ctx, g.baseURL(), res.SessionID, time.Second)
				if err != nil {
					return err
				}
				return printStatus(out, st, false)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&magDir, "mag", "", "Magnitude DICOM directory")
	cmd.Flags().StringVar(&phDir, "ph", "", "Phase DICOM directory")
	cmd.Flags().StringToStringVarP(&opts, "opt", "o", nil, "Reconstruction option key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the session finishes")
	cmd.Flags().BoolVar(&follow, "watch", false, "Open the session watcher after submitting")
	_ = cmd.MarkFlagRequired("mag")
	_ = cmd.MarkFlagRequired("ph")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show a session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := getStatus(cmd.Context(), g.baseURL(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop SESSION_ID",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, g.baseURL()+"/api/stop/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out api.StopResponse
			if err := decodeResponse(resp, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", args[0], out.Status)
			return nil
		},
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch SESSION_ID",
		Short: "Follow a session's log and status in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch.Run(cmd.Context(), g.baseURL(), args[0])
		},
	}
}
