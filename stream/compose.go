package stream

// Compose builds the decoder stack: identity -> chunked-decoder (if
// chunked) -> inflate (for each entry of contentEncodings other than ""
// and "identity"). contentEncodings holds one encoding token per entry,
// already split by the caller; an inflate stage is stacked for each in
// the order given.
func Compose(raw Reader, chunked bool, contentEncodings []string) Reader {
	var r Reader = raw
	if chunked {
		r = NewChunkedDecoder(r)
	}
	for _, enc := range contentEncodings {
		if enc == "" || enc == "identity" {
			continue
		}
		r = NewInflate(r, enc)
	}
	return r
}
