package ecotouch

import (
	"embed"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed tags/*.yaml
var tagTables embed.FS

// xTag holds raw information from yaml unmarshalling
type xTag struct {
	Name      string   `yaml:"name"`
	Addr      []string `yaml:"addr"`
	Codec     string   `yaml:"codec"`
	Write     bool     `yaml:"write"`
	Bit       *uint    `yaml:"bit"`
	Bits      []uint   `yaml:"bits"`
	Translate bool     `yaml:"translate"`
	Variable  bool     `yaml:"variable"`
	// Alarm marks all addresses as optional alarm sub-addresses
	Alarm bool `yaml:"alarm"`
}

var (
	ecotouchOnce, easyconOnce         sync.Once
	ecotouchRegistry, easyconRegistry *Registry
)

// EcotouchRegistry returns the tag catalog of the Ecotouch text protocol family
func EcotouchRegistry() *Registry {
	ecotouchOnce.Do(func() {
		ecotouchRegistry = mustBuildRegistry(FamilyEcotouch, "tags/ecotouch.yaml")
	})
	return ecotouchRegistry
}

// EasyconRegistry returns the tag catalog of the Easycon XML protocol family
func EasyconRegistry() *Registry {
	easyconOnce.Do(func() {
		easyconRegistry = mustBuildRegistry(FamilyEasycon, "tags/easycon.yaml")
	})
	return easyconRegistry
}

// RegistryFor returns the registry of a device family
func RegistryFor(f Family) (*Registry, error) {
	switch f {
	case FamilyEcotouch:
		return EcotouchRegistry(), nil
	case FamilyEasycon:
		return EasyconRegistry(), nil
	}
	return nil, errors.Errorf("unknown device family %q", f)
}

func mustBuildRegistry(family Family, file string) *Registry {
	f, err := tagTables.Open(file)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	r := newRegistry(family)
	if err := loadTags(f, r); err != nil {
		panic(fmt.Sprintf("%s: %v", file, err))
	}
	for _, t := range scheduleTags() {
		if err := validateTag(t, r); err != nil {
			panic(err)
		}
	}
	r.seal()
	log.Debugf("Loaded %v tags for %v", r.Len(), family)
	return r
}

// loadTags reads tag definitions in yaml format into r
func loadTags(rd io.Reader, r *Registry) error {
	var xts []xTag
	if err := yaml.NewDecoder(rd).Decode(&xts); err != nil {
		return err
	}
	for _, xt := range xts {
		if err := validateTag(xt, r); err != nil {
			return err
		}
	}
	return nil
}

type codecSpec struct {
	codec    Codec
	kind     Kind
	addrs    []int // allowed address counts, nil for any
	readOnly bool
}

var codecSpecs = map[string]codecSpec{
	"analog":       {codec: valueCodec{factor: 10}, kind: Analog, addrs: []int{1}},
	"analog_raw":   {codec: valueCodec{factor: noScaling}, kind: Analog, addrs: []int{1}},
	"float32":      {codec: valueCodec{factor: 10}, kind: Analog, addrs: []int{2}},
	"int":          {codec: valueCodec{}, kind: Integer, addrs: []int{1}},
	"bit":          {codec: valueCodec{}, kind: Integer, addrs: []int{1}, readOnly: true},
	"bits":         {codec: valueCodec{}, kind: Integer, addrs: []int{1}, readOnly: true},
	"digital":      {codec: valueCodec{}, kind: Digital, addrs: []int{1}},
	"digital_bits": {codec: digitalBitsCodec{}, kind: Digital, readOnly: true},
	"state":        {codec: stateCodec, addrs: []int{1}},
	"status":       {codec: statusCodec, addrs: []int{1}},
	"six_steps":    {codec: sixStepsCodec, kind: Integer, addrs: []int{1}},
	"datetime":     {codec: dateTimeCodec{}, kind: Integer, addrs: []int{5, 6}},
	"time_of_day":  {codec: timeOfDayCodec{}, kind: Integer, addrs: []int{2}},
	"year":         {codec: yearCodec{}, kind: Integer, addrs: []int{1}},
	"firmware":     {codec: firmwareCodec{}, kind: Integer, addrs: []int{2}, readOnly: true},
	"bios":         {codec: biosCodec{}, kind: Integer, addrs: []int{1}, readOnly: true},
	"serial":       {codec: serialCodec{}, kind: Integer, addrs: []int{2}, readOnly: true},
	"series":       {codec: seriesCodec, kind: Integer, addrs: []int{1}, readOnly: true},
	"device_id":    {codec: deviceIDCodec, kind: Integer, addrs: []int{1}, readOnly: true},
}

func validateTag(xt xTag, r *Registry) error {
	if xt.Name == "" {
		return errors.Errorf("tag without name")
	}
	if len(xt.Addr) == 0 {
		return errors.Errorf("tag %v has no addresses", xt.Name)
	}
	spec, ok := codecSpecs[xt.Codec]
	if !ok {
		return errors.Errorf("tag %v: can't handle codec %q", xt.Name, xt.Codec)
	}

	t := &Tag{
		Name:      xt.Name,
		Writeable: xt.Write,
		Bit:       xt.Bit,
		Bits:      xt.Bits,
		Translate: xt.Translate,
		Variable:  xt.Variable,
		CodecName: xt.Codec,
		Codec:     spec.codec,
	}
	for _, s := range xt.Addr {
		a, err := ParseAddress(s)
		if err != nil {
			return errors.Errorf("tag %v: %v", xt.Name, err)
		}
		if spec.kind != 0 && a.Kind != spec.kind {
			return errors.Errorf("tag %v: codec %v needs %v addresses, got %v", xt.Name, xt.Codec, spec.kind, a)
		}
		t.Addresses = append(t.Addresses, a)
	}

	if spec.addrs != nil {
		fits := false
		for _, n := range spec.addrs {
			fits = fits || n == len(t.Addresses)
		}
		if !fits {
			return errors.Errorf("tag %v: codec %v needs %v addresses, got %v", xt.Name, xt.Codec, spec.addrs, len(t.Addresses))
		}
	}
	if spec.readOnly && t.Writeable {
		return errors.Errorf("tag %v: codec %v is read only", xt.Name, xt.Codec)
	}
	switch xt.Codec {
	case "bit":
		if t.Bit == nil {
			return errors.Errorf("tag %v: bit codec without bit", xt.Name)
		}
	case "bits":
		if len(t.Bits) == 0 {
			return errors.Errorf("tag %v: bits codec without bits", xt.Name)
		}
	default:
		if t.Bit != nil || len(t.Bits) > 0 {
			return errors.Errorf("tag %v: bit selection needs bit or bits codec", xt.Name)
		}
	}
	if t.Translate && xt.Codec != "bits" && xt.Codec != "digital_bits" {
		return errors.Errorf("tag %v: only bitfields can be translated", xt.Name)
	}
	if t.Variable && xt.Codec != "digital_bits" {
		return errors.Errorf("tag %v: only digital bitfields can be variable", xt.Name)
	}
	if _, dup := r.tags[t.Name]; dup {
		return errors.Errorf("duplicate tag %v", t.Name)
	}

	r.add(t)
	if xt.Alarm {
		r.alarms.Insert(t.Addresses...)
	}
	if t.Variable {
		r.variable.Insert(t.Addresses...)
	}
	return nil
}
