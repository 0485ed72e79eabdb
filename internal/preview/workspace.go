package preview

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/craftsite/previewhub/internal/sourcehost"
	"github.com/craftsite/previewhub/internal/store"
)

// ProjectGetter looks up project records in the relational data store.
type ProjectGetter interface {
	GetProjectByID(id string) (*store.Project, error)
}

// SourceHost fetches repository trees and file contents from the
// source-control hosting collaborator.
type SourceHost interface {
	GetFileTree(ctx context.Context, owner, repo, ref string) ([]sourcehost.TreeEntry, error)
	GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// WorkspaceSync materializes a project's source files into a local workspace
// directory. When the real repository cannot be fetched it falls back to a
// generated scaffold so a preview can always proceed to launch.
type WorkspaceSync struct {
	projects ProjectGetter
	source   SourceHost
	logger   *slog.Logger
}

// NewWorkspaceSync creates a WorkspaceSync.
func NewWorkspaceSync(projects ProjectGetter, source SourceHost, logger *slog.Logger) *WorkspaceSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceSync{
		projects: projects,
		source:   source,
		logger:   logger.With("component", "WorkspaceSync"),
	}
}

// Sync downloads the project's repository into destPath, or writes a scaffold
// when the repository is missing or unreachable. It never returns a Go error:
// every failure is captured in the result's Errors slice, and Success reports
// whether a usable workspace exists afterward (the scaffold counts).
func (ws *WorkspaceSync) Sync(ctx context.Context, projectID, destPath string) SyncResult {
	result := SyncResult{}

	project, err := ws.projects.GetProjectByID(projectID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("project lookup failed: %v", err))
		return ws.writeScaffold(destPath, result)
	}
	if !project.HasRepository() {
		result.Errors = append(result.Errors, "project has no repository configured")
		return ws.writeScaffold(destPath, result)
	}

	// Clear stale contents from a previous sync before downloading.
	if err := os.RemoveAll(destPath); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to clear workspace: %v", err))
		return ws.writeScaffold(destPath, result)
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to create workspace: %v", err))
		return ws.writeScaffold(destPath, result)
	}

	tree, err := ws.source.GetFileTree(ctx, project.RepoOwner, project.RepoName, "")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to fetch repository tree: %v", err))
		return ws.writeScaffold(destPath, result)
	}

	for _, entry := range tree {
		if entry.Type != "blob" {
			continue
		}
		if !isSafeRelativePath(entry.Path) {
			result.Errors = append(result.Errors, fmt.Sprintf("skipping unsafe path %q", entry.Path))
			continue
		}
		content, err := ws.source.GetFileContent(ctx, project.RepoOwner, project.RepoName, entry.Path, "")
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to fetch %s: %v", entry.Path, err))
			continue
		}
		target := filepath.Join(destPath, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to create directory for %s: %v", entry.Path, err))
			continue
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write %s: %v", entry.Path, err))
			continue
		}
		result.FilesDownloaded++
	}

	if result.FilesDownloaded == 0 {
		result.Errors = append(result.Errors, "repository tree contained no downloadable files")
		return ws.writeScaffold(destPath, result)
	}

	ws.logger.Info("Workspace synced from repository",
		"projectID", projectID, "files", result.FilesDownloaded, "errors", len(result.Errors))
	result.Success = true
	return result
}

// writeScaffold generates a minimal deterministic project at destPath so the
// dev server has something to serve. The scaffold counts as one downloaded
// file regardless of how many files back it.
func (ws *WorkspaceSync) writeScaffold(destPath string, result SyncResult) SyncResult {
	if err := os.MkdirAll(filepath.Join(destPath, "src"), 0o755); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to create scaffold directory: %v", err))
		result.Success = false
		return result
	}

	files := map[string]string{
		"package.json":   scaffoldPackageJSON,
		"src/App.jsx":    scaffoldApp,
		"vite.config.js": scaffoldViteConfig,
		"index.html":     scaffoldIndexHTML,
		"src/main.jsx":   scaffoldMain,
	}
	for name, content := range files {
		target := filepath.Join(destPath, filepath.FromSlash(name))
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write scaffold file %s: %v", name, err))
			result.Success = false
			return result
		}
	}

	ws.logger.Info("Workspace fell back to generated scaffold", "path", destPath)
	result.Success = true
	result.FilesDownloaded = 1
	return result
}

func isSafeRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

const scaffoldPackageJSON = `{
  "name": "preview-scaffold",
  "private": true,
  "version": "0.0.1",
  "scripts": {
    "dev": "vite",
    "build": "vite build"
  },
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.2.0",
    "vite": "^5.0.0"
  }
}
`

const scaffoldViteConfig = `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: '127.0.0.1'
  }
})
`

const scaffoldIndexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Preview</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`

const scaffoldMain = `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.jsx'

ReactDOM.createRoot(document.getElementById('root')).render(<App />)
`

const scaffoldApp = `export default function App() {
  return (
    <main style={{ fontFamily: 'sans-serif', padding: '4rem', textAlign: 'center' }}>
      <h1>Your project is being prepared</h1>
      <p>The project source could not be loaded, so this placeholder is shown instead.</p>
    </main>
  )
}
`
