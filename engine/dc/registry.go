package dc

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/netutil"
)

var (
	// ErrUnknownClass is returned for class names or numbers not in the registry
	ErrUnknownClass = errors.New("unknown dclass")
	// ErrUnknownField is returned for field names or numbers not in the registry
	ErrUnknownField = errors.New("unknown field")
)

// Role selects which symbol of an imported class a participant instantiates
type Role string

const (
	RoleClient Role = "client"
	RoleAI     Role = "ai"
	RoleUD     Role = "ud"
	// RoleDB instantiates nothing; the database server only needs class and field layouts
	RoleDB Role = "db"
)

// Tags understood in the [import] section
const (
	TagAI = "AI"
	TagUD = "UD"
	TagOV = "OV"
)

// RoleOf maps a configured participant name to its role
func RoleOf(participant string) Role {
	switch strings.ToLower(participant) {
	case config.ParticipantAI:
		return RoleAI
	case config.ParticipantUD:
		return RoleUD
	}
	return RoleClient
}

// Registry is the loaded catalog of classes and fields
type Registry struct {
	role      Role
	classes   []*DClass
	byName    map[string]*DClass
	byNumber  []*DClass
	fields    []*Field
	typedefs  map[string]*netutil.FieldType
	imports   map[string][]string
	hash      uint32
	undefined []string
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry<%s, %d classes, %d fields, hash=%08x>", r.role, len(r.classes), len(r.fields), r.hash)
}

// Role returns the participant role the registry resolved symbols for
func (r *Registry) Role() Role { return r.role }

// Hash returns the 32-bit hash every participant must agree on
func (r *Registry) Hash() uint32 { return r.hash }

// NumClasses returns the number of wire-visible classes
func (r *Registry) NumClasses() int { return len(r.byNumber) }

// NumFields returns the number of fields
func (r *Registry) NumFields() int { return len(r.fields) }

// Classes returns every class in file order, server-only classes included
func (r *Registry) Classes() []*DClass { return r.classes }

// UndefinedClasses returns names of classes this participant cannot instantiate
func (r *Registry) UndefinedClasses() []string { return r.undefined }

// Typedef returns a named type alias
func (r *Registry) Typedef(name string) *netutil.FieldType {
	return r.typedefs[name]
}

// ClassByName looks up a class
func (r *Registry) ClassByName(name string) (*DClass, error) {
	if c, ok := r.byName[name]; ok {
		return c, nil
	}
	return nil, errors.Wrapf(ErrUnknownClass, "name %s", name)
}

// ClassByNumber looks up a wire-visible class
func (r *Registry) ClassByNumber(num uint16) (*DClass, error) {
	if int(num) < len(r.byNumber) {
		return r.byNumber[num], nil
	}
	return nil, errors.Wrapf(ErrUnknownClass, "number %d", num)
}

// FieldByNumber looks up a field by its global number
func (r *Registry) FieldByNumber(num uint16) (*Field, error) {
	if int(num) < len(r.fields) {
		return r.fields[num], nil
	}
	return nil, errors.Wrapf(ErrUnknownField, "number %d", num)
}

// LoadConfigured loads the dc_files of the [repository] config for the configured participant
func LoadConfigured() (*Registry, error) {
	rc := config.GetRepository()
	if len(rc.DCFiles) == 0 {
		return nil, errors.New("no dc_files configured")
	}
	sources := make([]interface{}, len(rc.DCFiles))
	for i, f := range rc.DCFiles {
		sources[i] = f
	}
	return Load(RoleOf(rc.Participant), sources...)
}

// Load reads DC files for role. Sources are file paths, []byte or io.Reader as
// accepted by go-ini. The registry is only returned if every class the role
// needs resolved; the registered class types are never modified.
func Load(role Role, sources ...interface{}) (*Registry, error) {
	if len(sources) == 0 {
		return nil, errors.New("no dc sources")
	}
	iniFile, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		IgnoreContinuation:  true,
	}, sources[0], sources[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "read dc files")
	}

	r := &Registry{
		role:     role,
		byName:   map[string]*DClass{},
		typedefs: map[string]*netutil.FieldType{},
		imports:  map[string][]string{},
	}
	h := fnv.New32a()

	for _, sec := range iniFile.Sections() {
		name := strings.TrimSpace(sec.Name())
		switch {
		case name == ini.DefaultSection:
			if len(sec.Keys()) > 0 {
				return nil, errors.Errorf("dc keys outside of any section: %v", sec.KeyStrings())
			}
		case name == "typedef":
			if err := r.readTypedefs(sec, h); err != nil {
				return nil, err
			}
		case name == "import":
			r.readImports(sec)
		case strings.HasPrefix(name, "dclass "):
			if err := r.readClass(sec, strings.TrimPrefix(name, "dclass "), false, h); err != nil {
				return nil, err
			}
		case strings.HasPrefix(name, "serverclass "):
			if err := r.readClass(sec, strings.TrimPrefix(name, "serverclass "), true, h); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("unknown dc section [%s]", name)
		}
	}
	r.hash = h.Sum32()

	if err := r.resolve(); err != nil {
		return nil, errors.Wrapf(err, "resolve %s classes", role)
	}
	gwlog.Infof("dc: loaded %s", r)
	return r, nil
}

func (r *Registry) readTypedefs(sec *ini.Section, h io.Writer) error {
	for _, key := range sec.Keys() {
		ft, err := netutil.ParseFieldType(key.Value(), r.typedefs)
		if err != nil {
			return errors.Wrapf(err, "typedef %s", key.Name())
		}
		r.typedefs[key.Name()] = ft
		fmt.Fprintf(h, "typedef %s %s\n", key.Name(), ft)
	}
	return nil
}

func (r *Registry) readImports(sec *ini.Section) {
	for _, key := range sec.Keys() {
		var tags []string
		for _, tag := range strings.Split(key.Value(), "/") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, strings.ToUpper(tag))
			}
		}
		r.imports[key.Name()] = tags
	}
}

func (r *Registry) readClass(sec *ini.Section, decl string, serverOnly bool, h io.Writer) error {
	className := decl
	var parentNames []string
	if i := strings.Index(decl, ":"); i >= 0 {
		className = decl[:i]
		for _, p := range strings.Split(decl[i+1:], ",") {
			if p = strings.TrimSpace(p); p != "" {
				parentNames = append(parentNames, p)
			}
		}
	}
	className = strings.TrimSpace(className)
	if className == "" {
		return errors.Errorf("dclass without name: [%s]", sec.Name())
	}
	if _, ok := r.byName[className]; ok {
		return errors.Errorf("dclass %s defined twice", className)
	}

	c := &DClass{
		Number:     -1,
		Name:       className,
		ServerOnly: serverOnly,
		byName:     map[string]*Field{},
		byNumber:   map[uint16]*Field{},
	}
	for _, pn := range parentNames {
		parent, ok := r.byName[pn]
		if !ok {
			return errors.Errorf("dclass %s: parent %s must be defined before it", className, pn)
		}
		c.Parents = append(c.Parents, parent)
		for _, f := range parent.Fields {
			if c.byNumber[f.Number] != nil {
				continue // shared base
			}
			if err := c.addField(f); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(h, "dclass %s : %s\n", className, strings.Join(parentNames, ","))

	for _, key := range sec.Keys() {
		f, err := r.parseField(key)
		if err != nil {
			return errors.Wrapf(err, "dclass %s", className)
		}
		f.Class = c
		if err := c.addField(f); err != nil {
			return err
		}
		c.ownFields = append(c.ownFields, f)
		r.fields = append(r.fields, f)
		fmt.Fprintf(h, "  %d %s %s %s", f.Number, f.Name, f.Type, f.Flags)
		if f.HasDefault {
			fmt.Fprintf(h, " = %v", f.Default)
		}
		fmt.Fprintln(h)
	}

	if !serverOnly {
		c.Number = len(r.byNumber)
		r.byNumber = append(r.byNumber, c)
	}
	r.byName[className] = c
	r.classes = append(r.classes, c)
	return nil
}

// parseField parses "type | flags | default"
func (r *Registry) parseField(key *ini.Key) (*Field, error) {
	if len(r.fields) >= 0xFFFF {
		return nil, errors.New("too many fields")
	}
	parts := strings.SplitN(key.Value(), "|", 3)
	ft, err := netutil.ParseFieldType(parts[0], r.typedefs)
	if err != nil {
		return nil, errors.Wrapf(err, "field %s", key.Name())
	}
	f := &Field{
		Number: uint16(len(r.fields)),
		Name:   key.Name(),
		Type:   ft,
	}
	if len(parts) > 1 {
		if f.Flags, err = parseFlags(parts[1]); err != nil {
			return nil, errors.Wrapf(err, "field %s", key.Name())
		}
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		if f.Default, err = ft.ParseLiteral(parts[2]); err != nil {
			return nil, errors.Wrapf(err, "field %s default", key.Name())
		}
		f.HasDefault = true
	}
	return f, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// symbolFor picks the implementing symbol of an imported class for the role
func (r *Registry) symbolFor(name string, tags []string) string {
	switch r.role {
	case RoleAI:
		if hasTag(tags, TagAI) {
			return name + TagAI
		}
	case RoleUD:
		if hasTag(tags, TagUD) {
			return name + TagUD
		}
		if hasTag(tags, TagAI) {
			return name + TagAI
		}
	case RoleDB:
	default:
		return name
	}
	return ""
}

// resolve binds every imported class to its registered type. Results are kept
// in temporary maps and only written to the classes when all of them resolved.
func (r *Registry) resolve() error {
	types := map[*DClass]*ClassType{}
	ownerTypes := map[*DClass]*ClassType{}
	var undefined []string

	for _, c := range r.classes {
		tags, imported := r.imports[c.Name]
		if !imported {
			undefined = append(undefined, c.Name)
			continue
		}
		symbol := r.symbolFor(c.Name, tags)
		if symbol == "" {
			undefined = append(undefined, c.Name)
			continue
		}
		ct := GetClassType(symbol)
		if ct == nil {
			return errors.Errorf("dclass %s: no type registered for symbol %s", c.Name, symbol)
		}
		types[c] = ct
		if r.role == RoleClient && hasTag(tags, TagOV) {
			ov := GetClassType(c.Name + TagOV)
			if ov == nil {
				return errors.Errorf("dclass %s: no type registered for symbol %s", c.Name, c.Name+TagOV)
			}
			ownerTypes[c] = ov
		}
	}
	for name := range r.imports {
		if _, ok := r.byName[name]; !ok {
			return errors.Errorf("import of unknown dclass %s", name)
		}
	}

	handlers := map[*DClass]map[uint16]*FieldHandler{}
	ownerHandlers := map[*DClass]map[uint16]*FieldHandler{}
	for c, ct := range types {
		hs, err := buildHandlers(ct, c)
		if err != nil {
			return err
		}
		handlers[c] = hs
	}
	for c, ct := range ownerTypes {
		hs, err := buildHandlers(ct, c)
		if err != nil {
			return err
		}
		ownerHandlers[c] = hs
	}

	for c, ct := range types {
		c.Type = ct
		c.Symbol = ct.Symbol
		c.handlers = handlers[c]
	}
	for c, ct := range ownerTypes {
		c.OwnerType = ct
		c.ownerHandlers = ownerHandlers[c]
	}
	for _, name := range undefined {
		if r.role == RoleDB {
			break
		}
		gwlog.Infof("dc: %s is not defined for %s participants", name, r.role)
	}
	r.undefined = undefined
	return nil
}
