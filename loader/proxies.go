// Module-query proxies (spec.md §4.5.4): a handful of kernel32.dll/
// kernelbase.dll/ntdll.dll exports are never resolved against a real
// export table. Instead the loader installs its own function as the
// address getFunctionAddress hands back, so that a loaded image calling
// LoadLibrary/GetModuleHandleEx/GetProcAddress at runtime reaches this
// loader's own registries instead of the host loader's — the host loader
// has never heard of a module this loader mapped itself.
package loader

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
	"unsafe"
)

// proxyAddressFor returns the installed callback address for one of the
// names moduleQueryProxyNames lists, installing it (via host.MakeCallback)
// the first time it's requested; ok is false for any other name.
func (l *Loader) proxyAddressFor(name string) (uintptr, bool) {
	if !moduleQueryProxyNames[name] {
		return 0, false
	}
	switch name {
	case "LoadLibraryA", "LoadLibraryW", "LoadLibraryExA", "LoadLibraryExW":
		return l.cachedProxy("LoadLibrary", l.loadLibraryProxy), true
	case "GetModuleHandleA", "GetModuleHandleW":
		return l.cachedProxy("GetModuleHandle", l.getModuleHandleProxy), true
	case "GetModuleHandleExA", "GetModuleHandleExW":
		return l.cachedProxy("GetModuleHandleEx", l.getModuleHandleExProxy), true
	case "GetProcAddress":
		return l.cachedProxy("GetProcAddress", l.getProcAddressProxy), true
	case "LdrAddRefDll":
		return l.cachedProxy("LdrAddRefDll", l.ldrAddRefDllProxy), true
	}
	return 0, false
}

// cachedProxy installs fn as a native callback at most once per kind and
// remembers the address, so repeated imports of e.g. LoadLibraryA across
// several loaded images all patch in the same proxy address.
func (l *Loader) cachedProxy(kind string, fn interface{}) uintptr {
	if addr, ok := l.proxyCache[kind]; ok {
		return addr
	}
	addr := l.host.MakeCallback(fn)
	l.proxyCache[kind] = addr
	return addr
}

// loadLibraryProxy backs all four LoadLibrary*/LoadLibraryEx* imports; the
// extra flags argument LoadLibraryExA/W carry is accepted and ignored,
// matching how memmod_windows.go's own loader never needed flag-dependent
// behavior either. The *A (ANSI) variants are read as wide strings too —
// packed binaries overwhelmingly import the *W forms, and distinguishing
// encodings per proxy name isn't worth the complexity this module takes on.
func (l *Loader) loadLibraryProxy(name, flags uintptr) uintptr {
	s, err := l.readWideString(name)
	if err != nil {
		return 0
	}
	return l.loadLibraryWideExtended(s)
}

// loadLibraryWideExtended implements the LoadLibrary re-entrancy rule of
// spec.md §4.5.4/scenario 6: a load triggered from inside an entry point
// must run its own dependency closure's entry points to completion before
// control returns to that entry point, without re-running anything still
// queued in the outer drain. The outer queue is parked via saveQueue for
// the duration and restored afterward.
func (l *Loader) loadLibraryWideExtended(name string) uintptr {
	saved := l.saveQueue()
	base, err := l.loadLibrary(name)
	if err == nil {
		l.executeEntryPointQueue()
	}
	l.restoreQueue(saved)
	if err != nil {
		return 0
	}
	return base
}

// getModuleHandleProxy backs GetModuleHandleA/W: a null name resolves to
// the primary image's base, matching real GetModuleHandle(NULL) semantics.
func (l *Loader) getModuleHandleProxy(name uintptr) uintptr {
	return l.resolveModuleHandle(name)
}

// getModuleHandleExProxy backs GetModuleHandleExA/W. dwFlags is accepted
// but ignored — this loader never needs the pin/no-increment-refcount
// distinction real GetModuleHandleEx callers rely on, since it never
// unloads anything mid-run.
func (l *Loader) getModuleHandleExProxy(flags uint32, name, out uintptr) uintptr {
	base := l.resolveModuleHandle(name)
	if out != 0 {
		const width = unsafe.Sizeof(uintptr(0))
		if mem, err := l.host.MemoryAt(out, width); err == nil {
			if width == 8 {
				binary.LittleEndian.PutUint64(mem, uint64(base))
			} else {
				binary.LittleEndian.PutUint32(mem, uint32(base))
			}
		}
	}
	if base != 0 {
		return 1
	}
	return 0
}

// resolveModuleHandle implements spec.md §4.5.4's GetModuleHandleEx match
// order: a null name means the primary image; otherwise the first loaded
// image whose FileName, FilePath-joined-FileName, or FileName-minus-last-
// 4-bytes matches the requested name case-insensitively.
func (l *Loader) resolveModuleHandle(namePtr uintptr) uintptr {
	if namePtr == 0 {
		base, _ := l.host.PEB()
		return base
	}
	name, err := l.readWideString(namePtr)
	if err != nil {
		return 0
	}
	for base, img := range l.loadedImages {
		if strings.EqualFold(img.FileName, name) {
			return base
		}
		if strings.EqualFold(combine(img.FilePath, img.FileName), name) {
			return base
		}
		trimmed := img.FileName
		if len(trimmed) > 4 {
			trimmed = trimmed[:len(trimmed)-4]
		}
		if strings.EqualFold(trimmed, name) {
			return base
		}
	}
	return 0
}

func combine(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "\\" + name
}

// getProcAddressProxy backs GetProcAddress, always dispatching by name
// (spec.md §4.5.4 names only the by-name path for this proxy).
func (l *Loader) getProcAddressProxy(library, name uintptr) uintptr {
	s, err := l.readNarrowString(name)
	if err != nil {
		return 0
	}
	return l.getFunctionAddress(library, s, -1)
}

// ldrAddRefDllProxy is a no-op stand-in for ntdll.dll!LdrAddRefDll: this
// loader never unloads a module, so the refcount bump it exists to track
// has nothing to do.
func (l *Loader) ldrAddRefDllProxy(flags, dllHandle uintptr) uintptr {
	return 0
}

// readWideString reads a NUL-terminated UTF-16LE string at addr, growing
// the read window one code unit at a time until a zero code unit is found,
// so it never reads past the terminator.
func (l *Loader) readWideString(addr uintptr) (string, error) {
	const chunk = 2
	var units []uint16
	for offset := uintptr(0); ; offset += chunk {
		mem, err := l.host.MemoryAt(addr+offset, chunk)
		if err != nil {
			return "", err
		}
		for i := 0; i+1 < len(mem); i += 2 {
			u := binary.LittleEndian.Uint16(mem[i:])
			if u == 0 {
				return string(utf16.Decode(units)), nil
			}
			units = append(units, u)
		}
	}
}

// readNarrowString reads a NUL-terminated single-byte string at addr, the
// ANSI convention real GetProcAddress names use.
func (l *Loader) readNarrowString(addr uintptr) (string, error) {
	const chunk = 256
	var out []byte
	for offset := uintptr(0); ; offset += chunk {
		mem, err := l.host.MemoryAt(addr+offset, chunk)
		if err != nil {
			return "", err
		}
		if idx := indexZero(mem); idx >= 0 {
			return string(append(out, mem[:idx]...)), nil
		}
		out = append(out, mem...)
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
