// Package testsend plays the role of a network scanner: it composes
// attachment-bearing messages and submits them over SMTP.
package testsend

// Kind is a synthetic attachment type.
type Kind struct {
	Name        string
	Extension   string
	ContentType string
}

// Kinds cycled by the sender. Text files are deliberately unsupported by the
// intake registry so every fifth message exercises the skip path.
var Kinds = []Kind{
	{Name: "pdf", Extension: ".pdf", ContentType: "application/pdf"},
	{Name: "jpg", Extension: ".jpg", ContentType: "image/jpeg"},
	{Name: "png", Extension: ".png", ContentType: "image/png"},
	{Name: "tif", Extension: ".tif", ContentType: "image/tiff"},
	{Name: "txt", Extension: ".txt", ContentType: "text/plain"},
}

// DummyContent returns a small payload with the leading bytes of the given
// kind. Unknown kinds get a payload that matches no signature.
func DummyContent(kind string) []byte {
	switch kind {
	case "pdf":
		return []byte("%PDF-1.0\n" +
			"1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
			"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
			"3 0 obj<</Type/Page/MediaBox[0 0 612 792]>>endobj\n" +
			"xref\n0 4\n0000000000 65535 f\n" +
			"0000000010 00000 n\n0000000059 00000 n\n" +
			"0000000103 00000 n\ntrailer<</Size 4/Root 1 0 R>>\n" +
			"startxref\n149\n%%EOF")
	case "tif":
		return padded("II*\x00\x08\x00\x00\x00")
	case "jpg":
		return padded("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	case "png":
		return padded("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	default:
		return []byte("invalid-file-content")
	}
}

func padded(header string) []byte {
	b := make([]byte, 0, len(header)+20)
	b = append(b, header...)
	for i := 0; i < 20; i++ {
		b = append(b, 'A')
	}
	return b
}
