// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package advice maps raw error text to documentation links and debugging tips.
// It is a pure lookup over an ordered rule table; the first matching rule wins.
package advice

import "regexp"

// Rule is a recognizable error family with its help material.
type Rule struct {
	// Name is a unique identifier for this rule.
	Name string

	// Regex is matched case-insensitively against the raw error text.
	Regex *regexp.Regexp

	// ErrorType is the category reported in the bundle.
	ErrorType string

	// Priority determines matching order (higher = checked first). Rules with
	// equal priority keep their table order.
	Priority int

	// ModuleError enables module_name extraction from the first quoted token.
	ModuleError bool

	// Documentation and Tips may reference {module_name}, {file_name} and
	// {line_number}. Lines with placeholders that cannot be filled are dropped.
	Documentation []string
	Tips          []string
}

// DefaultRules is the built-in rule table, highest priority first.
var DefaultRules = []*Rule{
	// JavaScript / TypeScript
	{
		Name:        "node_module_not_found",
		Regex:       regexp.MustCompile(`(?i)Cannot find module`),
		ErrorType:   "module_not_found",
		Priority:    100,
		ModuleError: true,
		Documentation: []string{
			"https://nodejs.org/api/modules.html",
			"https://www.npmjs.com/package/{module_name}",
		},
		Tips: []string{
			"Run npm install {module_name}",
			"Check that package.json lists the dependency",
			"Delete node_modules and run npm install again",
		},
	},
	{
		Name:      "js_unexpected_token",
		Regex:     regexp.MustCompile(`(?i)SyntaxError.*Unexpected token`),
		ErrorType: "syntax_error",
		Priority:  95,
		Documentation: []string{
			"https://developer.mozilla.org/en-US/docs/Web/JavaScript/Reference/Errors/Unexpected_token",
		},
		Tips: []string{
			"Check that parentheses, brackets and quotes are balanced near {file_name} line {line_number}",
			"Check for missing or extra semicolons",
			"Run a linter such as ESLint to locate the syntax error",
		},
	},

	// Python
	{
		Name:        "python_module_not_found",
		Regex:       regexp.MustCompile(`(?i)ModuleNotFoundError`),
		ErrorType:   "python_module_error",
		Priority:    90,
		ModuleError: true,
		Documentation: []string{
			"https://docs.python.org/3/tutorial/modules.html",
			"https://pypi.org/project/{module_name}/",
		},
		Tips: []string{
			"Run pip install {module_name}",
			"Check that the virtual environment is activated",
			"Check that PYTHONPATH is set correctly",
		},
	},
	{
		Name:      "python_indentation",
		Regex:     regexp.MustCompile(`(?i)IndentationError`),
		ErrorType: "python_indent",
		Priority:  85,
		Documentation: []string{
			"https://docs.python.org/3/reference/lexical_analysis.html#indentation",
		},
		Tips: []string{
			"Do not mix tabs and spaces",
			"Indent with four spaces",
			"Make whitespace visible in the editor and inspect line {line_number}",
		},
	},

	// Git
	{
		Name:      "git_not_a_repository",
		Regex:     regexp.MustCompile(`(?i)fatal:.*not a git repository`),
		ErrorType: "git_not_initialized",
		Priority:  80,
		Documentation: []string{
			"https://git-scm.com/book/en/v2/Git-Basics-Getting-a-Git-Repository",
		},
		Tips: []string{
			"Initialize the repository with git init",
			"Check that the working directory is correct",
			"Check that the .git directory exists",
		},
	},
	{
		Name:      "git_merge_conflict",
		Regex:     regexp.MustCompile(`(?i)CONFLICT.*Merge conflict`),
		ErrorType: "merge_conflict",
		Priority:  75,
		Documentation: []string{
			"https://docs.github.com/en/pull-requests/collaborating-with-pull-requests/addressing-merge-conflicts",
		},
		Tips: []string{
			"Search for conflict markers (<<<<<<<, =======, >>>>>>>)",
			"Understand both changes before resolving",
			"List conflicting files with git status",
		},
	},

	// Docker
	{
		Name:      "docker_daemon_unreachable",
		Regex:     regexp.MustCompile(`(?i)Cannot connect to the Docker daemon`),
		ErrorType: "docker_daemon",
		Priority:  70,
		Documentation: []string{
			"https://docs.docker.com/config/daemon/",
		},
		Tips: []string{
			"Check that Docker Desktop or dockerd is running",
			"The command may need elevated privileges",
			"Check the daemon state with docker ps",
		},
	},

	// General
	{
		Name:      "permission_denied",
		Regex:     regexp.MustCompile(`(?i)Permission denied`),
		ErrorType: "permission_error",
		Priority:  60,
		Documentation: []string{
			"https://www.linux.com/training-tutorials/understanding-linux-file-permissions/",
		},
		Tips: []string{
			"Inspect permissions with ls -la {file_name}",
			"Check the owner and mode of the files involved",
			"Change permissions with chmod where appropriate",
			"Check whether the operation needs sudo",
		},
	},
	{
		Name:      "disk_full",
		Regex:     regexp.MustCompile(`(?i)ENOSPC.*no space left`),
		ErrorType: "disk_space",
		Priority:  55,
		Documentation: []string{
			"https://unix.stackexchange.com/questions/125429/tracking-down-where-disk-space-has-gone",
		},
		Tips: []string{
			"Check disk usage with df -h",
			"Remove files that are no longer needed",
			"Check the size of log files",
		},
	},
}

// Research steps appended to every rendered bundle.
var researchSteps = []string{
	"Search the web for the full error message",
	"Look for similar problems on Stack Overflow",
	"Read the relevant chapter of the official documentation",
	"Search GitHub Issues for the same error",
}

// Generic returns the fallback bundle for errors no rule recognizes.
func Generic() *Bundle {
	return &Bundle{
		ErrorType: "generic",
		Documentation: []string{
			"https://stackoverflow.com",
			"https://github.com",
			"https://devdocs.io",
		},
		Tips: []string{
			"Read the whole error message: identify the error kind, file, line and stack trace",
			"Check for syntax errors, missing dependencies, environment variables and file permissions",
			"Search the web, official documentation, Stack Overflow and GitHub Issues",
			"Build a minimal reproduction and add pieces back one at a time",
		},
		Context: map[string]string{},
	}
}
