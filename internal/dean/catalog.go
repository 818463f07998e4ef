package dean

import (
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// GATT catalog — DEAN service and characteristic UUIDs
// -------------------------------------------------------------------------

// DEAN firmware exposes its services under a fixed 128-bit base with the
// service index in byte 2 and the characteristic index in byte 3.
const (
	UUIDBaseService = "4eab0000-6bef-11ee-b962-10012002809a"

	UUIDConfigService  = "4eab0100-6bef-11ee-b962-10012002809a"
	UUIDConfigType     = "4eab0101-6bef-11ee-b962-10012002809a"
	UUIDConfigID       = "4eab0102-6bef-11ee-b962-10012002809a"
	UUIDConfigLocation = "4eab0103-6bef-11ee-b962-10012002809a"
	UUIDConfigReset    = "4eab0104-6bef-11ee-b962-10012002809a"
	UUIDConfigFile     = "4eab0105-6bef-11ee-b962-10012002809a"
	UUIDConfigTime     = "4eab0106-6bef-11ee-b962-10012002809a"

	UUIDGrideyeService = "4eab0200-6bef-11ee-b962-10012002809a"
	UUIDGrideyeWork    = "4eab0201-6bef-11ee-b962-10012002809a"
	UUIDGrideyeRaw     = "4eab0202-6bef-11ee-b962-10012002809a"

	UUIDAatService = "4eab0300-6bef-11ee-b962-10012002809a"
	UUIDAatWork    = "4eab0301-6bef-11ee-b962-10012002809a"

	UUIDEnvironmentService = "4eab0400-6bef-11ee-b962-10012002809a"
	UUIDEnvironmentWork    = "4eab0401-6bef-11ee-b962-10012002809a"
	UUIDEnvironmentRaw     = "4eab0402-6bef-11ee-b962-10012002809a"

	UUIDSoundService = "4eab0500-6bef-11ee-b962-10012002809a"
	UUIDSoundModel   = "4eab0501-6bef-11ee-b962-10012002809a"
	UUIDSoundFeature = "4eab0502-6bef-11ee-b962-10012002809a"

	UUIDRelayService = "4eab0600-6bef-11ee-b962-10012002809a"
	UUIDRelayGrid    = "4eab0601-6bef-11ee-b962-10012002809a"
	UUIDRelayEnv     = "4eab0602-6bef-11ee-b962-10012002809a"
	UUIDRelayAat     = "4eab0603-6bef-11ee-b962-10012002809a"

	UUIDInferenceService  = "4eab0700-6bef-11ee-b962-10012002809a"
	UUIDInferenceRawdata  = "4eab0701-6bef-11ee-b962-10012002809a"
	UUIDInferenceDebugstr = "4eab0702-6bef-11ee-b962-10012002809a"

	// Nordic-UART-style transport exposed by relay-capable nodes.
	UUIDPaarService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UUIDPaarTx      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	UUIDPaarRx      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Logical service and characteristic names used throughout the hub.
const (
	SvcBase        = "base"
	SvcConfig      = "config"
	SvcGrideye     = "grideye"
	SvcAat         = "aat"
	SvcEnvironment = "environment"
	SvcSound       = "sound"
	SvcRelay       = "relay"
	SvcInference   = "inference"

	CharType     = "type"
	CharID       = "id"
	CharLocation = "location"
	CharReset    = "reset"
	CharFile     = "file"
	CharTime     = "time"
	CharWork     = "work"
	CharRaw      = "raw"
	CharModel    = "model"
	CharFeature  = "feature"
	CharGrid     = "grid"
	CharEnv      = "env"
	CharAat      = "aat"
	CharRawdata  = "rawdata"
	CharDebugstr = "debugstr"
)

// serviceCatalog maps service name → characteristic name → UUID.
var serviceCatalog = map[string]map[string]string{
	SvcConfig: {
		CharType:     UUIDConfigType,
		CharID:       UUIDConfigID,
		CharLocation: UUIDConfigLocation,
		CharReset:    UUIDConfigReset,
		CharFile:     UUIDConfigFile,
		CharTime:     UUIDConfigTime,
	},
	SvcGrideye: {
		CharWork: UUIDGrideyeWork,
		CharRaw:  UUIDGrideyeRaw,
	},
	SvcAat: {
		CharWork: UUIDAatWork,
	},
	SvcEnvironment: {
		CharWork: UUIDEnvironmentWork,
		CharRaw:  UUIDEnvironmentRaw,
	},
	SvcSound: {
		CharModel:   UUIDSoundModel,
		CharFeature: UUIDSoundFeature,
	},
	SvcRelay: {
		CharGrid: UUIDRelayGrid,
		CharEnv:  UUIDRelayEnv,
		CharAat:  UUIDRelayAat,
	},
	SvcInference: {
		CharRawdata:  UUIDInferenceRawdata,
		CharDebugstr: UUIDInferenceDebugstr,
	},
}

// uuidNames is the reverse index: characteristic UUID → (service, char).
var uuidNames = func() map[string][2]string {
	idx := make(map[string][2]string)
	for svc, chars := range serviceCatalog {
		for char, uuid := range chars {
			idx[uuid] = [2]string{svc, char}
		}
	}
	return idx
}()

// CharUUID resolves a (service, characteristic) name pair.
func CharUUID(service, char string) (string, bool) {
	chars, ok := serviceCatalog[service]
	if !ok {
		return "", false
	}
	uuid, ok := chars[char]
	return uuid, ok
}

// LookupUUID resolves a characteristic UUID back to logical names.
func LookupUUID(uuid string) (service, char string, ok bool) {
	names, ok := uuidNames[strings.ToLower(uuid)]
	if !ok {
		return "", "", false
	}
	return names[0], names[1], true
}

// ServiceNames returns the known service names, unordered.
func ServiceNames() []string {
	names := make([]string, 0, len(serviceCatalog))
	for svc := range serviceCatalog {
		names = append(names, svc)
	}
	return names
}

// -------------------------------------------------------------------------
// Room and device-type codes
// -------------------------------------------------------------------------

var roomNames = map[uint16]string{
	0x0001: "KITCHEN",
	0x0002: "LIVING",
	0x0003: "ROOM",
	0x0004: "TOILET",
	0x0005: "HOME_ENTRANCE",
	0x0006: "LIVING_ENTRANCE",
	0x0007: "KITCHEN_ENTRANCE",
	0x0008: "STAIR",
	0xFF01: "RTLAB501",
	0xFF02: "RTLAB502",
	0xFF03: "RTLAB503",
	0xFFFF: "TEST",
}

// RoomName maps a firmware room code to its display name.
func RoomName(code uint16) string {
	if name, ok := roomNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ROOM(%#04x)", code)
}

// RoomCode is the inverse of RoomName for configured names.
func RoomCode(name string) (uint16, bool) {
	for code, n := range roomNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

var deviceTypeNames = map[uint16]string{
	0x0001: "ADL_DETECTOR",
	0x0002: "THINGY53",
	0x0003: "ATT",
}

// DeviceTypeName maps a firmware device-type code to its display name.
func DeviceTypeName(code uint16) string {
	if name, ok := deviceTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("DEVICE(%#04x)", code)
}

// -------------------------------------------------------------------------
// Service modes
// -------------------------------------------------------------------------

// A service runs in working mode (processed output), collection mode
// (raw output), or both.
const (
	ModeWork = "work"
	ModeRaw  = "raw"
	ModeBoth = "both"
)

// modeChars maps service → mode → characteristics to subscribe.
var modeChars = map[string]map[string][]string{
	SvcGrideye: {
		ModeWork: {CharWork},
		ModeRaw:  {CharRaw},
		ModeBoth: {CharWork, CharRaw},
	},
	SvcAat: {
		ModeWork: {CharWork},
		ModeBoth: {CharWork},
	},
	SvcEnvironment: {
		ModeWork: {CharWork},
		ModeRaw:  {CharRaw},
		ModeBoth: {CharWork, CharRaw},
	},
	SvcSound: {
		ModeWork: {CharModel},
		ModeRaw:  {CharFeature},
		ModeBoth: {CharModel, CharFeature},
	},
	SvcInference: {
		ModeWork: {CharRawdata, CharDebugstr},
		ModeBoth: {CharRawdata, CharDebugstr},
	},
}

// SubscribeChars lists the characteristics a session subscribes to for
// the given service in the given mode. Unknown combinations yield nil.
func SubscribeChars(service, mode string) []string {
	modes, ok := modeChars[service]
	if !ok {
		return nil
	}
	return modes[mode]
}

// DefaultEnableMap returns the out-of-the-box service → mode map. The
// caller owns the returned map.
func DefaultEnableMap() map[string]string {
	return map[string]string{
		SvcGrideye:     ModeWork,
		SvcAat:         ModeWork,
		SvcEnvironment: ModeWork,
		SvcSound:       ModeWork,
		SvcInference:   ModeWork,
	}
}
