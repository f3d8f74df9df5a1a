package hypervisor

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// dmi* keys land in the VM's extra data and override what the guest sees
// in its SMBIOS tables and ATA identify data.
const (
	dmiBIOSVendor      = "VBoxInternal/Devices/pcbios/0/Config/DmiBIOSVendor"
	dmiBIOSVersion     = "VBoxInternal/Devices/pcbios/0/Config/DmiBIOSVersion"
	dmiBIOSReleaseDate = "VBoxInternal/Devices/pcbios/0/Config/DmiBIOSReleaseDate"
	dmiSystemVendor    = "VBoxInternal/Devices/pcbios/0/Config/DmiSystemVendor"
	dmiSystemProduct   = "VBoxInternal/Devices/pcbios/0/Config/DmiSystemProduct"
	dmiSystemVersion   = "VBoxInternal/Devices/pcbios/0/Config/DmiSystemVersion"
	dmiSystemSerial    = "VBoxInternal/Devices/pcbios/0/Config/DmiSystemSerial"
	dmiBoardVendor     = "VBoxInternal/Devices/pcbios/0/Config/DmiBoardVendor"
	dmiBoardProduct    = "VBoxInternal/Devices/pcbios/0/Config/DmiBoardProduct"
	dmiBoardSerial     = "VBoxInternal/Devices/pcbios/0/Config/DmiBoardSerial"
	ideDiskSerial      = "VBoxInternal/Devices/piix3ide/0/Config/PrimaryMaster/SerialNumber"
	ideDiskModel       = "VBoxInternal/Devices/piix3ide/0/Config/PrimaryMaster/ModelNumber"
	ideDiskFirmware    = "VBoxInternal/Devices/piix3ide/0/Config/PrimaryMaster/FirmwareRevision"
)

// hardwarePreset holds the fixed identity strings of one machine family.
// Serial numbers are generated per VM.
type hardwarePreset struct {
	biosVendor   string
	biosVersion  string
	biosDate     string
	systemVendor string
	product      string
	version      string
	boardProduct string
	diskModel    string
	diskFirmware string
}

var hardwarePresets = map[string]hardwarePreset{
	"dell-optiplex": {
		biosVendor:   "Dell Inc.",
		biosVersion:  "A19",
		biosDate:     "06/13/2013",
		systemVendor: "Dell Inc.",
		product:      "OptiPlex 790",
		version:      "01",
		boardProduct: "0HY9JP",
		diskModel:    "WDC WD5000AAKX-75U6AA0",
		diskFirmware: "19.01H19",
	},
	"hp-elitedesk": {
		biosVendor:   "Hewlett-Packard",
		biosVersion:  "L01 v02.68",
		biosDate:     "04/22/2014",
		systemVendor: "Hewlett-Packard",
		product:      "HP EliteDesk 800 G1 SFF",
		version:      "1.0",
		boardProduct: "1998",
		diskModel:    "ST500DM002-1BD142",
		diskFirmware: "KC45",
	},
	"lenovo-thinkcentre": {
		biosVendor:   "LENOVO",
		biosVersion:  "F1KT33AUS",
		biosDate:     "09/24/2013",
		systemVendor: "LENOVO",
		product:      "10AB000KUS",
		version:      "ThinkCentre M93p",
		boardProduct: "SHARKBAY",
		diskModel:    "HGST HTS725050A7E630",
		diskFirmware: "GH2ZB390",
	},
}

// ProfileNames returns the available hardware preset names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(hardwarePresets))
	for name := range hardwarePresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHardwareProfile builds the extra-data overrides for the named
// preset, with freshly generated serial numbers. The preset "random"
// picks one of the available presets.
func NewHardwareProfile(preset string) (interfaces.HardwareProfile, error) {
	if preset == "random" {
		names := ProfileNames()
		preset = names[rand.IntN(len(names))]
	}
	p, ok := hardwarePresets[preset]
	if !ok {
		return interfaces.HardwareProfile{}, fmt.Errorf("unknown hardware profile %q (available: %s)", preset, strings.Join(ProfileNames(), ", "))
	}
	return interfaces.HardwareProfile{
		Name: preset,
		ExtraData: map[string]string{
			dmiBIOSVendor:      p.biosVendor,
			dmiBIOSVersion:     p.biosVersion,
			dmiBIOSReleaseDate: p.biosDate,
			dmiSystemVendor:    p.systemVendor,
			dmiSystemProduct:   p.product,
			dmiSystemVersion:   p.version,
			dmiSystemSerial:    randomSerial(10),
			dmiBoardVendor:     p.systemVendor,
			dmiBoardProduct:    p.boardProduct,
			dmiBoardSerial:     randomSerial(12),
			ideDiskSerial:      randomSerial(14),
			ideDiskModel:       p.diskModel,
			ideDiskFirmware:    p.diskFirmware,
		},
	}, nil
}

const serialAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"

func randomSerial(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(serialAlphabet[rand.IntN(len(serialAlphabet))])
	}
	return sb.String()
}
