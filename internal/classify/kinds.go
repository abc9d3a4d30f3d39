package classify

// 内置资源类型；扩展名即本地缓存文件的后缀。
func init() {
	MustRegister(KindMetadata{
		Key:          "css",
		Family:       FamilyStylesheet,
		Extensions:   []string{"css"},
		ContentTypes: []string{"text/css"},
		Rewritable:   true,
	})
	MustRegister(KindMetadata{
		Key:          "js",
		Family:       FamilyScript,
		Extensions:   []string{"js", "mjs"},
		ContentTypes: []string{"text/javascript", "application/javascript", "application/x-javascript", "application/ecmascript"},
	})

	fonts := map[Kind][]string{
		"ttf":   {"font/ttf", "application/x-font-ttf"},
		"otf":   {"font/otf", "application/x-font-opentype"},
		"woff":  {"font/woff", "application/font-woff"},
		"woff2": {"font/woff2", "application/font-woff2"},
		"eot":   {"application/vnd.ms-fontobject"},
	}
	for kind, cts := range fonts {
		MustRegister(KindMetadata{
			Key:          kind,
			Family:       FamilyFont,
			Extensions:   []string{string(kind)},
			ContentTypes: cts,
		})
	}

	MustRegister(KindMetadata{
		Key:          "jpg",
		Family:       FamilyImage,
		Extensions:   []string{"jpg", "jpeg"},
		ContentTypes: []string{"image/jpeg", "image/jpg"},
	})
	images := map[Kind][]string{
		"png":  {"image/png"},
		"gif":  {"image/gif"},
		"svg":  {"image/svg+xml"},
		"webp": {"image/webp"},
		"ico":  {"image/x-icon", "image/vnd.microsoft.icon"},
	}
	for kind, cts := range images {
		MustRegister(KindMetadata{
			Key:          kind,
			Family:       FamilyImage,
			Extensions:   []string{string(kind)},
			ContentTypes: cts,
		})
	}

	MustRegister(KindMetadata{Key: KindUnknown, Family: FamilyUnknown})
}
