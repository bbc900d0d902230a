// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelpJSON_ListsAllCommands(t *testing.T) {
	root := newRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"help", "--json"})

	require.NoError(t, root.Execute())

	var resp struct {
		Commands    []CommandMetadata `json:"commands"`
		GlobalFlags []FlagMetadata    `json:"global_flags"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))

	names := make(map[string]bool)
	for _, c := range resp.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"call", "tools", "enqueue", "jobs", "audit", "version"} {
		require.True(t, names[want], "missing command %s", want)
	}

	var globals []string
	for _, f := range resp.GlobalFlags {
		globals = append(globals, f.Name)
	}
	require.Contains(t, globals, "config")
}

func TestHelpJSON_SpecificCommand(t *testing.T) {
	root := newRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"help", "enqueue", "--json"})

	require.NoError(t, root.Execute())

	var meta CommandMetadata
	require.NoError(t, json.Unmarshal(buf.Bytes(), &meta))
	require.Equal(t, "enqueue", meta.Name)

	var flags []string
	for _, f := range meta.Flags {
		flags = append(flags, f.Name)
	}
	require.Contains(t, flags, "args")
	require.Contains(t, flags, "priority")
	require.Contains(t, flags, "delay")
}

func TestHelpUnknownCommand(t *testing.T) {
	root := newRootCommand()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"help", "nonexistent"})

	require.Error(t, root.Execute())
}
