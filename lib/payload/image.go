package payload

import "fmt"

// Image is a loaded binary image that can hand out named sections.
//
// Implementations must return an error wrapping ErrSectionNotFound for a
// section that does not exist or has no file contents. Returned regions must
// not be modified by the caller or the image afterwards.
//
// DescriptorAddr reports where the descriptor record lives, normally from the
// DescriptorSymbol entry of a symbol table. ok is false when the image cannot
// tell, in which case the record is taken to start the payload section.
type Image interface {
	Layout() Layout
	Section(name string) (*Region, error)
	DescriptorAddr() (addr uint64, ok bool, err error)
}

// SectionImage is an Image over regions that are already in memory, such as
// a snapshot of a mapped process or bytes produced by Encode.
type SectionImage struct {
	layout  Layout
	regions map[string]*Region

	descAddr uint64
	hasDesc  bool
}

var _ Image = (*SectionImage)(nil)

// NewSectionImage creates an image from named regions. Later regions with the
// same name replace earlier ones.
func NewSectionImage(l Layout, regions ...Region) *SectionImage {
	img := &SectionImage{
		layout:  l,
		regions: make(map[string]*Region, len(regions)),
	}
	for i := range regions {
		r := regions[i]
		img.regions[r.Name] = &r
	}
	return img
}

// WithDescriptorAddr records the address of the descriptor record, for
// payload sections that do not start with it.
func (s *SectionImage) WithDescriptorAddr(addr uint64) *SectionImage {
	s.descAddr, s.hasDesc = addr, true
	return s
}

func (s *SectionImage) Layout() Layout { return s.layout }

func (s *SectionImage) Section(name string) (*Region, error) {
	r, ok := s.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, name)
	}
	return r, nil
}

func (s *SectionImage) DescriptorAddr() (uint64, bool, error) {
	return s.descAddr, s.hasDesc, nil
}
