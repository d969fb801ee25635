package kobo

// BookType classifies an entitlement record. Every record maps to
// exactly one type; TypeUnknown covers vendor record shapes this client
// does not understand.
type BookType int

const (
	TypeUnknown BookType = iota
	TypeEbook
	TypeAudiobook
	TypeSubscription
)

func (t BookType) String() string {
	switch t {
	case TypeEbook:
		return "ebook"
	case TypeAudiobook:
		return "audiobook"
	case TypeSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// DrmKind classifies the protection on a resolved content variant.
type DrmKind int

const (
	// DrmNone means the payload is served in the clear.
	DrmNone DrmKind = iota
	// DrmVendor is the vendor's KDRM scheme, decryptable locally given
	// the device identity and per-file content keys.
	DrmVendor
	// DrmForeign is a third-party rights scheme (Adobe) this client
	// cannot decrypt; handled as a pass-through sidecar artifact.
	DrmForeign
)

func (d DrmKind) String() string {
	switch d {
	case DrmVendor:
		return "kdrm"
	case DrmForeign:
		return "adobe"
	default:
		return "none"
	}
}

// Book is a normalized entitlement record. Fields are extracted from
// the raw library-sync response; callers never see raw API data.
type Book struct {
	ProductID string // revision id, falling back to the generic id
	Title     string
	Author    string
	Type      BookType
	Archived  bool
	Preview   bool
	Locked    bool
	Finished  bool

	// Audiobook variants arrive inline with the sync record instead of
	// through the content-access endpoint, so they are carried here.
	variants []contentVariant
}

// ShortProductID returns a collision-avoidance suffix for filenames.
func (b *Book) ShortProductID() string {
	const n = 8
	if len(b.ProductID) < n {
		return b.ProductID
	}

	return b.ProductID[:n]
}

// Descriptor is a resolved download: one URL plus its DRM class.
type Descriptor struct {
	URL string // pre-authenticated; never log
	Drm DrmKind
}

// SpinePart is one ordered segment of an audiobook.
type SpinePart struct {
	Index         int
	URL           string
	FileExtension string
}

// syncItem mirrors one element of the library-sync response JSON.
// Unexported; callers receive normalized Book values.
type syncItem struct {
	NewEntitlement *entitlementRecord `json:"NewEntitlement"`
}

type entitlementRecord struct {
	BookEntitlement             *entitlementFlags `json:"BookEntitlement"`
	AudiobookEntitlement        *entitlementFlags `json:"AudiobookEntitlement"`
	BookMetadata                *bookMetadata     `json:"BookMetadata"`
	AudiobookMetadata           *bookMetadata     `json:"AudiobookMetadata"`
	BookSubscriptionEntitlement *subscriptionStub `json:"BookSubscriptionEntitlement"`
	ReadingState                *readingState     `json:"ReadingState"`
}

type entitlementFlags struct {
	Accessibility string `json:"Accessibility"`
	IsLocked      bool   `json:"IsLocked"`
	IsRemoved     bool   `json:"IsRemoved"`
}

type subscriptionStub struct {
	ID string `json:"Id"`
}

type readingState struct {
	StatusInfo *struct {
		Status string `json:"Status"`
	} `json:"StatusInfo"`
}

type bookMetadata struct {
	RevisionID       string           `json:"RevisionId"`
	ID               string           `json:"Id"`
	Title            string           `json:"Title"`
	ContributorRoles []contributor    `json:"ContributorRoles"`
	DownloadURLs     []contentVariant `json:"DownloadUrls"`
	ContentURLs      []contentVariant `json:"ContentUrls"`
}

type contributor struct {
	Name string `json:"Name"`
	Role string `json:"Role"`
}

// contentVariant mirrors one download-URL variant. The vendor uses two
// spellings for the DRM field and two for the URL field depending on
// endpoint; both are decoded and merged by accessors below.
type contentVariant struct {
	DRMTypeUpper string `json:"DRMType"`
	DRMTypeMixed string `json:"DrmType"`
	DownloadURL  string `json:"DownloadUrl"`
	URL          string `json:"Url"`
	URLFormat    string `json:"UrlFormat"`
}

func (v *contentVariant) drmType() string {
	if v.DRMTypeUpper != "" {
		return v.DRMTypeUpper
	}

	return v.DRMTypeMixed
}

func (v *contentVariant) downloadURL() string {
	if v.DownloadURL != "" {
		return v.DownloadURL
	}

	return v.URL
}

// Known DRM wire values.
const (
	drmTypeKobo  = "KDRM"
	drmTypeAdobe = "AdobeDrm"
)

// classifyDrm maps a variant's DRM-type field to a DrmKind. Any value
// outside the known set, including absent, means no DRM.
func classifyDrm(drmType string) DrmKind {
	switch drmType {
	case drmTypeKobo:
		return DrmVendor
	case drmTypeAdobe:
		return DrmForeign
	default:
		return DrmNone
	}
}

// productID prefers the revision identifier and falls back to the
// generic id. Preserved exactly: some endpoints key on one, some on
// the other.
func (m *bookMetadata) productID() string {
	if m.RevisionID != "" {
		return m.RevisionID
	}

	return m.ID
}

// author picks contributors with the Author role. The sync endpoint
// rarely fills roles in, so when none match, the first contributor is
// used rather than returning an empty author.
func (m *bookMetadata) author() string {
	var authors []string

	for _, c := range m.ContributorRoles {
		if c.Role == "Author" {
			authors = append(authors, c.Name)
		}
	}

	if len(authors) == 0 && len(m.ContributorRoles) > 0 {
		authors = append(authors, m.ContributorRoles[0].Name)
	}

	return joinAuthors(authors)
}

func joinAuthors(authors []string) string {
	out := ""
	for i, a := range authors {
		if i > 0 {
			out += " & "
		}

		out += a
	}

	return out
}

// toBook normalizes a raw entitlement record, or returns ok=false when
// the record carries none of the known metadata shapes.
func (e *entitlementRecord) toBook() (Book, bool) {
	var (
		meta  *bookMetadata
		typ   BookType
		flags *entitlementFlags
	)

	switch {
	case e.BookMetadata != nil:
		meta, typ, flags = e.BookMetadata, TypeEbook, e.BookEntitlement
	case e.AudiobookMetadata != nil:
		meta, typ, flags = e.AudiobookMetadata, TypeAudiobook, e.AudiobookEntitlement
	case e.BookSubscriptionEntitlement != nil:
		return Book{ProductID: e.BookSubscriptionEntitlement.ID, Type: TypeSubscription}, true
	default:
		return Book{}, false
	}

	b := Book{
		ProductID: meta.productID(),
		Title:     meta.Title,
		Author:    meta.author(),
		Type:      typ,
		Finished:  e.finished(),
	}

	if flags != nil {
		b.Archived = flags.IsRemoved
		b.Preview = flags.Accessibility == "Preview"
		b.Locked = flags.IsLocked
	}

	// Audiobook sync records carry the variant list inline.
	b.variants = meta.DownloadURLs
	if len(b.variants) == 0 {
		b.variants = meta.ContentURLs
	}

	return b, true
}

func (e *entitlementRecord) finished() bool {
	return e.ReadingState != nil &&
		e.ReadingState.StatusInfo != nil &&
		e.ReadingState.StatusInfo.Status == "Finished"
}
