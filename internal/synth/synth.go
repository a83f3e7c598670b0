// Package synth generates the container entry point from annotated user
// source. The selection is purely syntactic; user code is never evaluated.
package synth

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dartcloud/dartcloud/internal/domain"
)

// Platform interface contract.
const (
	// AnnotationName marks the user's entry class.
	AnnotationName = "CloudFunction"
	// BaseClassName is the required superclass of the entry class.
	BaseClassName = "CloudFunction"
	// EntryFileName is the synthesized program at the archive root.
	EntryFileName = "main.dart"
)

// Synthesize scans dir, selects the single annotated entry class, and writes
// the generated entry program to dir/main.dart. Repeated runs over the same
// tree produce byte-identical output.
func Synthesize(dir string) (*ClassDecl, error) {
	decl, err := Select(dir)
	if err != nil {
		return nil, err
	}
	program := Generate(decl)
	if err := os.WriteFile(filepath.Join(dir, EntryFileName), []byte(program), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", EntryFileName, err)
	}
	return decl, nil
}

// Select walks dir and returns the single class annotated with
// @CloudFunction whose superclass is CloudFunction.
func Select(dir string) (*ClassDecl, error) {
	var matches []ClassDecl
	var hasMain []string

	files, err := sourceFiles(dir)
	if err != nil {
		return nil, err
	}

	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}

		scan := scanSource(string(data))
		if scan.HasMain {
			hasMain = append(hasMain, rel)
		}
		for _, c := range scan.Classes {
			if c.Extends == BaseClassName && hasAnnotation(c, AnnotationName) {
				c.File = rel
				matches = append(matches, c)
			}
		}
	}

	if len(hasMain) > 0 {
		return nil, fmt.Errorf("%w: archive defines a top-level main in %s; the entry point is generated",
			domain.ErrInvalidArchive, hasMain[0])
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no class annotated @%s extending %s",
			domain.ErrInvalidArchive, AnnotationName, BaseClassName)
	case 1:
		return &matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return nil, fmt.Errorf("%w: multiple @%s classes: %s",
			domain.ErrInvalidArchive, AnnotationName, strings.Join(names, ", "))
	}
}

// sourceFiles lists .dart files under dir, relative, sorted, excluding the
// generated entry file and hidden directories.
func sourceFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".dart") || name == EntryFileName {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func hasAnnotation(c ClassDecl, name string) bool {
	for _, a := range c.Annotations {
		if a == name {
			return true
		}
	}
	return false
}

// Generate emits the entry program for decl. Pure function of its input.
func Generate(decl *ClassDecl) string {
	return fmt.Sprintf(entryTemplate, decl.File, decl.Name, decl.Name)
}

// The generated program implements the container file contract: configuration
// from .env.config, the request envelope from request.json, the response to
// result.json (temp file + rename), collected logs to logs.json. Uncaught
// handler failures materialize as a 500 result and exit code 1; nothing is
// raised across the container boundary.
const entryTemplate = `// GENERATED by the deployment engine. Do not edit.
import 'dart:convert';
import 'dart:io';

import 'package:dart_cloud/dart_cloud.dart';

import '%s' show %s;

Future<void> main() async {
  final fn = %s();
  fn.environment = _readEnvConfig('.env.config');

  var exitCode = 0;
  try {
    final raw = await File('request.json').readAsString();
    final request =
        CloudRequest.fromJson(jsonDecode(raw) as Map<String, dynamic>);
    final response = await fn.handle(request);
    _writeAtomic(
        'result.json',
        jsonEncode({
          'statusCode': response.statusCode,
          'headers': response.headers,
          'body': response.body,
        }));
  } catch (e) {
    _writeAtomic(
        'result.json',
        jsonEncode({
          'statusCode': 500,
          'headers': {'content-type': 'application/json'},
          'body': {'error': e.toString()},
        }));
    exitCode = 1;
  } finally {
    _writeAtomic(
        'logs.json',
        jsonEncode({
          'logs': fn.logs
              .map((l) => {
                    'level': l.level,
                    'message': l.message,
                    'timestamp': l.timestamp.toIso8601String(),
                  })
              .toList(),
        }));
  }
  exit(exitCode);
}

Map<String, String> _readEnvConfig(String path) {
  final file = File(path);
  if (!file.existsSync()) return {};
  final env = <String, String>{};
  for (final line in file.readAsLinesSync()) {
    final trimmed = line.trim();
    if (trimmed.isEmpty || trimmed.startsWith('#')) continue;
    final idx = trimmed.indexOf('=');
    if (idx <= 0) continue;
    env[trimmed.substring(0, idx)] = trimmed.substring(idx + 1);
  }
  return env;
}

void _writeAtomic(String path, String contents) {
  final tmp = File('$path.tmp');
  tmp.writeAsStringSync(contents, flush: true);
  tmp.renameSync(path);
}
`
