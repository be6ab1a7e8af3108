//go:build windows

package host

import (
	"errors"
	"unsafe"

	"github.com/wnxd/modhost/host"
	"golang.org/x/sys/windows"
)

const threadSuspendResume = 0x0002

var procSuspendThread = windows.NewLazySystemDLL("kernel32.dll").NewProc("SuspendThread")

// threadFreezer suspends the other threads of the process through a
// toolhelp thread snapshot.
type threadFreezer struct {
	suspended []windows.Handle
}

func defaultFreezer() host.Freezer {
	return new(threadFreezer)
}

func (f *threadFreezer) FreezeAllOtherThreads() error {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(snapshot)
	pid := windows.GetCurrentProcessId()
	tid := windows.GetCurrentThreadId()
	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Thread32First(snapshot, &entry); err == nil; err = windows.Thread32Next(snapshot, &entry) {
		if entry.OwnerProcessID != pid || entry.ThreadID == tid {
			continue
		}
		thread, err := windows.OpenThread(threadSuspendResume, false, entry.ThreadID)
		if err != nil {
			continue
		}
		if r, _, _ := procSuspendThread.Call(uintptr(thread)); r == 0xFFFFFFFF {
			windows.CloseHandle(thread)
			continue
		}
		f.suspended = append(f.suspended, thread)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		f.ResumeAllOtherThreads()
		return err
	}
	return nil
}

func (f *threadFreezer) ResumeAllOtherThreads() error {
	var errs []error
	for i := len(f.suspended) - 1; i >= 0; i-- {
		if _, err := windows.ResumeThread(f.suspended[i]); err != nil {
			errs = append(errs, err)
		}
		windows.CloseHandle(f.suspended[i])
	}
	f.suspended = nil
	return errors.Join(errs...)
}
