package toolmask

// keywordTools maps substrings of the raw user input to tool ids. Scanning
// is case-insensitive; localized variants cover the web-fetch vocabulary.
var keywordTools = map[string][]string{
	"docker":     {"a-c-docker"},
	"container":  {"a-c-docker"},
	"mysql":      {"a-c-mysql"},
	"database":   {"a-c-mysql"},
	"cmake":      {"a-c-cmake"},
	"make":       {"a-c-make"},
	"maven":      {"a-c-maven"},
	"gradle":     {"a-c-gradle"},
	"npm":        {"a-c-npm"},
	"pip":        {"a-c-pip"},
	"cargo":      {"a-c-cargo"},
	"curl":       {"a-c-web-fetch"},
	"http://":    {"a-c-web-fetch"},
	"https://":   {"a-c-web-fetch"},
	"download":   {"a-c-web-fetch"},
	"fetch":      {"a-c-web-fetch"},
	"webpage":    {"a-c-web-fetch"},
	"网页":         {"a-c-web-fetch"},
	"网址":         {"a-c-web-fetch"},
	"下载":         {"a-c-web-fetch"},
	"抓取":         {"a-c-web-fetch"},
}

// projectTools maps detected project types to their implied tool ids.
var projectTools = map[string][]string{
	"java":   {"a-c-java", "a-c-maven", "a-c-gradle"},
	"go":     {"a-c-go"},
	"node":   {"a-c-node", "a-c-npm"},
	"python": {"a-c-python", "a-c-pip"},
	"rust":   {"a-c-cargo"},
	"c":      {"a-c-cmake", "a-c-make"},
	"cpp":    {"a-c-cmake", "a-c-make"},
}
