/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package chromium

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUsage(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("needs procfs")
	}

	private, shared, err := MemoryUsage([]int{os.Getpid()}) //nolint:forbidigo
	require.NoError(t, err)
	assert.Positive(t, private+shared)

	_, _, err = MemoryUsage(nil)
	require.Error(t, err)

	_, _, err = MemoryUsage([]int{1 << 30})
	require.Error(t, err, "a missing parent is an error")

	p2, s2, err := MemoryUsage([]int{os.Getpid(), 1 << 30}) //nolint:forbidigo
	require.NoError(t, err, "missing children are skipped")
	assert.Positive(t, p2+s2)
}

func TestChildrenPids(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("needs procfs")
	}

	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	killAfterParent(cmd)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = killProcessGroup(cmd)
		_ = cmd.Wait()
	})

	require.Eventually(t, func() bool {
		pids, err := ChildrenPids(cmd.Process.Pid)
		return err == nil && len(pids) == 1
	}, 5*time.Second, 50*time.Millisecond, "the shell's sleep is its only descendant")

	pids, err := ChildrenPids(os.Getpid()) //nolint:forbidigo
	require.NoError(t, err)
	assert.Contains(t, pids, cmd.Process.Pid)
}
